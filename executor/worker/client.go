package worker

import (
	"net/http"
	"sync"
	"time"
)

var (
	once      sync.Once
	transport *http.Transport
)

func sandboxTransport() *http.Transport {
	once.Do(func() {
		transport = new(http.Transport)
		transport.MaxIdleConns = 1000
		transport.MaxIdleConnsPerHost = 100
		transport.IdleConnTimeout = 90 * time.Second
		transport.MaxConnsPerHost = 200
		transport.WriteBufferSize = 32 * 1024
		transport.ReadBufferSize = 32 * 1024
	})

	return transport
}

// newSandboxClient shares one connection pool across executors.
func newSandboxClient(timeout time.Duration) *http.Client {
	client := new(http.Client)
	client.Timeout = timeout
	client.Transport = sandboxTransport()

	return client
}
