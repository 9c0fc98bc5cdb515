// Copyright 2026 Yusuf Aye. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport provides the typed, JSON-framed message bus the
// controller and worker processes exchange choreography messages over: a
// common Message shape, a Bus abstraction, an in-process implementation for
// tests, and a length-prefixed-JSON TCP implementation with auto-reconnect.
package transport

// Message types exchanged between controller and worker, per the wire
// protocol.
const (
	TypeHello       = "HELLO"
	TypeRegister    = "REGISTER"
	TypeQuery       = "QUERY"
	TypeDeploy      = "DEPLOY"
	TypeDeployed    = "DEPLOYED"
	TypeStop        = "STOP"
	TypeProfileData = "PROFILE_DATA"
	TypeFinished    = "FINISHED"
	TypeWarmingDone = "WARMING_DONE"
)

// Message is the wire shape for every choreography exchange: a timestamp, a
// type tag, and a flat string-keyed payload. Grounded on the original
// Message class (timestamp_/type_/data_, JSON-serialized).
type Message struct {
	Timestamp float64           `json:"timestamp"`
	Type      string            `json:"type"`
	Data      map[string]string `json:"data"`
}

// NewMessage constructs a Message with the given type and payload.
func NewMessage(msgType string, data map[string]string) Message {
	if data == nil {
		data = map[string]string{}
	}
	return Message{Type: msgType, Data: data}
}

// Get returns data[key], or "" if absent.
func (m Message) Get(key string) string {
	return m.Data[key]
}

// IsFinished reports whether this message signals connection teardown.
func (m Message) IsFinished() bool {
	return m.Type == TypeFinished
}
