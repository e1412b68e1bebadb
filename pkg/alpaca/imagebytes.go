package alpaca

import (
	"encoding/binary"
	"fmt"
)

// ImageBytes header layout. All fields are little-endian uint32.
const (
	imageBytesMetadataVersion = 1
	imageBytesHeaderSize      = 44

	elementTypeUnknown = 0
	elementTypeInt32   = 2
	elementTypeUint16  = 8
)

// ImageArray is a two dimensional pixel matrix stored row-major. For camera
// images each row holds one X position and each column one Y position.
type ImageArray struct {
	Rows int
	Cols int
	Pix  []uint16
}

// NewImageArray allocates a zeroed rows x cols matrix.
func NewImageArray(rows, cols int) ImageArray {
	return ImageArray{Rows: rows, Cols: cols, Pix: make([]uint16, rows*cols)}
}

func (a ImageArray) At(row, col int) uint16 {
	return a.Pix[row*a.Cols+col]
}

func (a ImageArray) Set(row, col int, v uint16) {
	a.Pix[row*a.Cols+col] = v
}

// RowSlices returns the matrix as one slice per row, sharing the pixel
// storage.
func (a ImageArray) RowSlices() [][]uint16 {
	rows := make([][]uint16, a.Rows)
	for i := range rows {
		rows[i] = a.Pix[i*a.Cols : (i+1)*a.Cols]
	}
	return rows
}

// ImageBytesHeader is the decoded fixed header of an ImageBytes frame.
type ImageBytesHeader struct {
	MetadataVersion         uint32
	ErrorNumber             uint32
	ClientTransactionID     uint32
	ServerTransactionID     uint32
	DataStart               uint32
	ImageElementType        uint32
	TransmissionElementType uint32
	Rank                    uint32
	Dimension1              uint32
	Dimension2              uint32
	Dimension3              uint32
}

// EncodeImageBytes builds an ImageBytes frame. On success the payload is the
// matrix in row-major order as uint16 samples; on error it is the UTF-8 error
// message and the element types, rank and dimensions are zero.
func EncodeImageBytes(img ImageArray, clientTxID, serverTxID uint32, err *Error) []byte {
	hdr := ImageBytesHeader{
		MetadataVersion:     imageBytesMetadataVersion,
		ClientTransactionID: clientTxID,
		ServerTransactionID: serverTxID,
		DataStart:           imageBytesHeaderSize,
	}

	if err != nil {
		msg := []byte(err.Message)
		hdr.ErrorNumber = uint32(err.Number)
		hdr.ImageElementType = elementTypeUnknown
		hdr.TransmissionElementType = elementTypeUnknown

		buf := make([]byte, imageBytesHeaderSize, imageBytesHeaderSize+len(msg))
		putImageBytesHeader(buf, hdr)
		return append(buf, msg...)
	}

	hdr.ImageElementType = elementTypeInt32
	hdr.TransmissionElementType = elementTypeUint16
	hdr.Rank = 2
	hdr.Dimension1 = uint32(img.Cols)
	hdr.Dimension2 = uint32(img.Rows)

	buf := make([]byte, imageBytesHeaderSize+2*len(img.Pix))
	putImageBytesHeader(buf, hdr)

	payload := buf[imageBytesHeaderSize:]
	for i, v := range img.Pix {
		binary.LittleEndian.PutUint16(payload[2*i:], v)
	}
	return buf
}

func putImageBytesHeader(buf []byte, hdr ImageBytesHeader) {
	fields := []uint32{
		hdr.MetadataVersion,
		hdr.ErrorNumber,
		hdr.ClientTransactionID,
		hdr.ServerTransactionID,
		hdr.DataStart,
		hdr.ImageElementType,
		hdr.TransmissionElementType,
		hdr.Rank,
		hdr.Dimension1,
		hdr.Dimension2,
		hdr.Dimension3,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[4*i:], f)
	}
}

// DecodeImageBytes parses an ImageBytes frame produced by EncodeImageBytes.
// For error frames the returned matrix is empty and the payload is the
// message.
func DecodeImageBytes(frame []byte) (ImageBytesHeader, ImageArray, []byte, error) {
	var hdr ImageBytesHeader
	if len(frame) < imageBytesHeaderSize {
		return hdr, ImageArray{}, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	fields := []*uint32{
		&hdr.MetadataVersion,
		&hdr.ErrorNumber,
		&hdr.ClientTransactionID,
		&hdr.ServerTransactionID,
		&hdr.DataStart,
		&hdr.ImageElementType,
		&hdr.TransmissionElementType,
		&hdr.Rank,
		&hdr.Dimension1,
		&hdr.Dimension2,
		&hdr.Dimension3,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint32(frame[4*i:])
	}

	if hdr.DataStart < imageBytesHeaderSize || int(hdr.DataStart) > len(frame) {
		return hdr, ImageArray{}, nil, fmt.Errorf("invalid data start %d", hdr.DataStart)
	}
	payload := frame[hdr.DataStart:]

	if hdr.ErrorNumber != 0 {
		return hdr, ImageArray{}, payload, nil
	}
	if hdr.TransmissionElementType != elementTypeUint16 {
		return hdr, ImageArray{}, payload, fmt.Errorf("unsupported transmission element type %d", hdr.TransmissionElementType)
	}

	rows, cols := int(hdr.Dimension2), int(hdr.Dimension1)
	if len(payload) != 2*rows*cols {
		return hdr, ImageArray{}, payload, fmt.Errorf("payload is %d bytes, want %d", len(payload), 2*rows*cols)
	}

	img := NewImageArray(rows, cols)
	for i := range img.Pix {
		img.Pix[i] = binary.LittleEndian.Uint16(payload[2*i:])
	}
	return hdr, img, payload, nil
}
