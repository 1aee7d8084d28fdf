// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package disk

type RatchetState struct {
	RootKey        []byte                       `json:"rootKey"`
	SenderChain    *RatchetState_SenderChain    `json:"senderChain,omitempty"`
	ReceiverChains []RatchetState_ReceiverChain `json:"receiverChains"`
	SkippedKeys    []RatchetState_SkippedKey    `json:"skippedKeys"`
}

type RatchetState_SenderChain struct {
	RatchetPrivate []byte `json:"ratchetPrivate"`
	RatchetPublic  []byte `json:"ratchetPublic"`
	ChainKey       []byte `json:"chainKey"`
	ChainIndex     uint32 `json:"chainIndex"`
}

type RatchetState_ReceiverChain struct {
	RatchetPublic []byte `json:"ratchetPublic"`
	ChainKey      []byte `json:"chainKey"`
	ChainIndex    uint32 `json:"chainIndex"`
}

type RatchetState_SkippedKey struct {
	RatchetPublic []byte `json:"ratchetPublic"`
	MessageKey    []byte `json:"messageKey"`
	Index         uint32 `json:"index"`
	CreationTime  int64  `json:"creationTime"`
}
