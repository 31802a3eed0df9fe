// Package socks implements the client side of the SOCKS4 and SOCKS5 CONNECT
// handshakes spoken on a socket that is already connected to the proxy.
//
// The SOCKS5 exchange is built on the protocol types in
// github.com/txthinking/socks5. SOCKS4 has no counterpart there and is encoded
// directly; its CONNECT request is a single fixed-size record.
//
// The peer-side helpers in server.go speak the proxy end of both protocols and
// exist for tests and local tooling.
package socks
