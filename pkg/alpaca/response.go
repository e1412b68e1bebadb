package alpaca

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON body of every Alpaca property read and method call.
// Value is left out when there is nothing to return or the call failed.
type Response struct {
	ClientTransactionID uint32 `json:"ClientTransactionID"`
	ServerTransactionID uint32 `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// ImageArrayResponse is the JSON form of an image download.
type ImageArrayResponse struct {
	Response
	Type int `json:"Type"`
	Rank int `json:"Rank"`
}

func newResponse(value any, clientTxID uint32, err error) Response {
	resp := Response{
		ClientTransactionID: clientTxID,
		ServerTransactionID: uint32(txCounter.Next()),
	}

	if alpacaErr := AsError(err); alpacaErr != nil {
		resp.ErrorNumber = alpacaErr.Number
		resp.ErrorMessage = alpacaErr.Message
		return resp
	}
	resp.Value = value
	return resp
}

// PropertyResponse encodes the result of a property read.
func PropertyResponse(value any, clientTxID uint32, err error) Response {
	return newResponse(value, clientTxID, err)
}

// MethodResponse encodes the result of a method call or property write.
// Most methods return no value.
func MethodResponse(clientTxID uint32, err error, value any) Response {
	return newResponse(value, clientTxID, err)
}

// NewImageArrayResponse encodes an image as a JSON array of rows.
func NewImageArrayResponse(img ImageArray, clientTxID uint32, err error) ImageArrayResponse {
	resp := ImageArrayResponse{Response: newResponse(nil, clientTxID, err)}
	if resp.ErrorNumber == 0 {
		resp.Value = img.RowSlices()
		resp.Type = elementTypeInt32
		resp.Rank = 2
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
