package agent

import (
	"net"
	"net/url"
	"strconv"
	"testing"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

func splitAddr(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	host, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split %s: %v", u.Host, err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func addr(host string, port int) spi.Address { return spi.Address{Host: host, Port: port} }

func jobFor(model string) spi.Job { return spi.Job{TaskID: "t1", Model: model, Payload: []byte(`{}`)} }
