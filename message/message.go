// Package message defines the envelope exchanged between client and server.
//
// Every call, whether it targets a reflection service or a method channel,
// travels as one RPCMessage. The codec layer serializes it and the protocol
// layer wraps it in a frame.
package message

import "strings"

// RPCMessage carries the data for a single request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // "Service.Method" or "channel.method", e.g. "kenburns.getPlatformVersion"
	Error         string // Non-empty if the server-side handler returned an error
	Payload       []byte // JSON args (request) or JSON reply (response)
}

// SplitServiceMethod splits "name.method" at the first dot. The method part
// may be empty or contain further dots; ok is false when there is no dot.
func SplitServiceMethod(serviceMethod string) (name, method string, ok bool) {
	return strings.Cut(serviceMethod, ".")
}

// JoinServiceMethod is the inverse of SplitServiceMethod.
func JoinServiceMethod(name, method string) string {
	return name + "." + method
}

// Failed reports whether the message carries an error.
func (m *RPCMessage) Failed() bool {
	return m != nil && m.Error != ""
}
