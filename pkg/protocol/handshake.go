package protocol

import (
	"encoding/json"

	"valx.pw/postern/pkg/crypto"
	"valx.pw/postern/pkg/obfuscator"
)

const ActionNewConnect = "new_connect"

// Identity is the client metadata declared in the handshake.
type Identity struct {
	Package    string `yaml:"package"`
	Version    string `yaml:"version"`
	SDKVersion string `yaml:"sdk"`
	Country    string `yaml:"country"`
	Language   string `yaml:"language"`
}

type handshakeMetadata struct {
	Package  string `json:"package"`
	Version  string `json:"version"`
	SDK      string `json:"SDK"`
	Country  string `json:"country"`
	Language string `json:"language"`
	Action   string `json:"action"`
}

// Handshake is the first request of a session. Header and Body are written
// separately; Body is never sent if writing Header fails.
type Handshake struct {
	Header []byte
	Body   []byte
}

// BuildHandshake serializes id, encrypts it with AES-ECB under key, runs the
// ciphertext through obfs and frames it as the opening request.
func BuildHandshake(framer *Framer, id Identity, key []byte, obfs *obfuscator.Obfuscator) (*Handshake, error) {
	payload, err := json.Marshal(handshakeMetadata{
		Package:  id.Package,
		Version:  id.Version,
		SDK:      id.SDKVersion,
		Country:  id.Country,
		Language: id.Language,
		Action:   ActionNewConnect,
	})
	if err != nil {
		return nil, newHandshakeError(KindSerializationFailed, "marshal metadata", err)
	}

	cryptor, err := crypto.NewWithKey(key)
	if err != nil {
		return nil, newHandshakeError(KindEncryptionFailed, "init cipher", err)
	}
	ciphertext, err := cryptor.Encrypt(payload)
	if err != nil {
		return nil, newHandshakeError(KindEncryptionFailed, "encrypt metadata", err)
	}

	frame := obfs.Obfuscate(ciphertext)
	return &Handshake{
		Header: framer.Open(len(frame)),
		Body:   framer.Body(frame),
	}, nil
}

// ParseHandshake reverses BuildHandshake for a deframed body.
func ParseHandshake(frame, key []byte, obfs *obfuscator.Obfuscator) (*Identity, error) {
	cryptor, err := crypto.NewWithKey(key)
	if err != nil {
		return nil, newHandshakeError(KindEncryptionFailed, "init cipher", err)
	}

	plain, err := cryptor.Decrypt(obfs.Deobfuscate(frame))
	if err != nil {
		return nil, newHandshakeError(KindInvalidHandshake, "decrypt metadata", err)
	}

	var meta handshakeMetadata
	if err := json.Unmarshal(plain, &meta); err != nil {
		return nil, newHandshakeError(KindInvalidHandshake, "decode metadata", err)
	}
	if meta.Action != ActionNewConnect {
		return nil, newHandshakeError(KindInvalidHandshake, "unexpected action "+meta.Action, nil)
	}

	return &Identity{
		Package:    meta.Package,
		Version:    meta.Version,
		SDKVersion: meta.SDK,
		Country:    meta.Country,
		Language:   meta.Language,
	}, nil
}
