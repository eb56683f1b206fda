// Package node assembles one middleware process from its components and
// owns the two inbound surfaces: the dispatch switch over inter-node
// messages and the client-facing statement socket.
package node
