package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultDiscoveryPort = 32227
	discoveryMessage     = "alpacadiscovery1"
)

// DiscoveryResponder responds to Alpaca discovery requests.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder listening on addr:port that
// advertises alpacaPort.
func NewDiscoveryResponder(addr string, port, alpacaPort int, logger log.FieldLogger) (*DiscoveryResponder, error) {
	if alpacaPort <= 0 || alpacaPort > 65535 {
		return nil, fmt.Errorf("invalid Alpaca port %d", alpacaPort)
	}

	response, err := json.Marshal(struct {
		AlpacaPort int `json:"AlpacaPort"`
	}{alpacaPort})
	if err != nil {
		return nil, err
	}

	dr := DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: response,
		logger:   logger,
	}

	return &dr, nil
}

// Run answers discovery datagrams until ctx is cancelled.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	sock, err := d.listen()
	if err != nil {
		return err
	}
	return d.serve(ctx, sock)
}

func (d *DiscoveryResponder) listen() (*net.UDPConn, error) {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve device address: %w", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return nil, fmt.Errorf("cannot bind discovery socket: %w", err)
	}
	return sock, nil
}

func (d *DiscoveryResponder) serve(ctx context.Context, sock *net.UDPConn) error {
	defer sock.Close()

	buf := make([]byte, 1024)
	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Set a read deadline to periodically check for context cancellation
		sock.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %q from %s", data, addr)

		if data != discoveryMessage {
			continue
		}
		if _, err := sock.WriteToUDP(d.response, addr); err != nil {
			d.logger.Errorf("Error writing to socket: %v", err)
		}
	}
}
