// Package types contains the FlatBuffers tables of the sync protocol.
package types

//go:generate flatc --go --go-namespace types -o . message.fbs
