// Package client is the Go client for the dSQL statement socket.
package client
