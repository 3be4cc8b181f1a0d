package utils

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewTransport 后端请求共用的连接池
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
	}
}

// NewHTTPClient timeout 为 0 表示不限时，由调用方的 context 控制
func NewHTTPClient(timeout time.Duration, transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = NewTransport()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
