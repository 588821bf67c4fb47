// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testSizes = Sizes{Hash: 32, Signature: 64, Exchange: 64}

// Body must be satisfied by plain values, so Encode call sites can pass
// literals; only Decode needs the pointer-receiver parsing half.
var (
	_ Body = GetVersion{}
	_ Body = Capabilities{}
	_ Body = Finish{}
	_ Body = KeyUpdate{}
	_ Body = ErrorMessage{}

	_ decoder = (*GetVersion)(nil)
	_ decoder = (*ErrorMessage)(nil)
)

func testNonce(fill byte) (n Nonce) {
	for i := range n {
		n[i] = fill
	}
	return
}

func roundTripMessages() []Body {
	return []Body{
		GetVersion{},
		VersionResponse{Versions: []VersionNumber{
			{Major: 1, Minor: 1},
			{Major: 1, Minor: 2, Update: 1},
		}},
		GetCapabilities{CTExponent: 12, Flags: CapCert | CapChallenge | CapEncrypt | CapMac | CapKeyExchange},
		Capabilities{CTExponent: 20, Flags: CapCert | CapChallenge | CapPskWithContext},
		NegotiateAlgorithms{
			MeasurementSpec: 1,
			BaseAsym:        uint32(AsymEcdsaP256 | AsymEcdsaP384),
			BaseHash:        uint32(HashSha256 | HashSha384),
			Dhe:             uint16(DheSecp256r1 | DheSecp384r1),
			Aead:            uint16(AeadAes256Gcm),
			KeySchedule:     uint16(KeySchedSpdm),
		},
		Algorithms{
			MeasurementSpecSel: 1,
			BaseAsymSel:        uint32(AsymEcdsaP256),
			BaseHashSel:        uint32(HashSha256),
			DheSel:             uint16(DheSecp256r1),
			AeadSel:            uint16(AeadAes256Gcm),
			KeyScheduleSel:     uint16(KeySchedSpdm),
		},
		GetDigests{},
		Digests{SlotMask: 0b101, Digests: [][]byte{
			bytes.Repeat([]byte{0xaa}, 32),
			bytes.Repeat([]byte{0xbb}, 32),
		}},
		GetCertificate{SlotID: 0, Offset: 512, Length: 512},
		Certificate{SlotID: 0, RemainderLength: 100, Portion: []byte{1, 2, 3, 4}},
		Challenge{SlotID: 0, Nonce: testNonce(0x11)},
		ChallengeAuth{
			SlotID:        0,
			SlotMask:      1,
			CertChainHash: bytes.Repeat([]byte{0xcc}, 32),
			Nonce:         testNonce(0x22),
			OpaqueData:    []byte{9, 9},
			Signature:     bytes.Repeat([]byte{0xdd}, 64),
		},
		KeyExchange{
			SlotID:       0,
			ReqSessionID: 0xbeef,
			Random:       testNonce(0x33),
			ExchangeData: bytes.Repeat([]byte{0x44}, 64),
		},
		KeyExchangeRsp{
			HeartbeatPeriod: 5,
			RspSessionID:    0xcafe,
			Random:          testNonce(0x55),
			ExchangeData:    bytes.Repeat([]byte{0x66}, 64),
			Signature:       bytes.Repeat([]byte{0x77}, 64),
			VerifyData:      bytes.Repeat([]byte{0x88}, 32),
		},
		Finish{SlotID: 0, VerifyData: bytes.Repeat([]byte{0x99}, 32)},
		FinishRsp{VerifyData: bytes.Repeat([]byte{0xab}, 32)},
		PskExchange{
			ReqSessionID: 0x0102,
			PskHint:      []byte("device-psk-1"),
			Context:      bytes.Repeat([]byte{0x12}, 32),
		},
		PskExchangeRsp{
			HeartbeatPeriod: 10,
			RspSessionID:    0x0304,
			Context:         bytes.Repeat([]byte{0x34}, 32),
			VerifyData:      bytes.Repeat([]byte{0x56}, 32),
		},
		PskFinish{VerifyData: bytes.Repeat([]byte{0x78}, 32)},
		PskFinishRsp{},
		Heartbeat{},
		HeartbeatAck{},
		KeyUpdate{Op: KeyUpdateOpUpdateAllKeys, Tag: 7},
		KeyUpdateAck{Op: KeyUpdateOpUpdateAllKeys, Tag: 7},
		EndSession{PreserveNegotiatedState: true},
		EndSessionAck{},
		ErrorMessage{Code: ErrUnexpectedRequest, Data: 3},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, body := range roundTripMessages() {
		t.Run(body.Type().String(), func(t *testing.T) {
			raw, err := Encode(Version12, body)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			msg, err := Decode(raw, testSizes)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Version != Version12 {
				t.Errorf("decoded version %s", msg.Version)
			}
			if !bytes.Equal(msg.Raw, raw) {
				t.Error("raw bytes do not match input")
			}

			// Compare against the decoded pointer's element.
			if diff := cmp.Diff(body, deref(msg.Body), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("decoded body mismatch (-want +got):\n%s", diff)
			}

			again, err := Encode(msg.Version, msg.Body)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(again, raw) {
				t.Errorf("re-encode does not reproduce wire bytes\n got % x\nwant % x", again, raw)
			}
		})
	}
}

// deref converts the *T returned by Decode to T for comparison with the
// encoded value.
func deref(body Body) Body {
	switch b := body.(type) {
	case *GetVersion:
		return *b
	case *VersionResponse:
		return *b
	case *GetCapabilities:
		return *b
	case *Capabilities:
		return *b
	case *NegotiateAlgorithms:
		return *b
	case *Algorithms:
		return *b
	case *GetDigests:
		return *b
	case *Digests:
		return *b
	case *GetCertificate:
		return *b
	case *Certificate:
		return *b
	case *Challenge:
		return *b
	case *ChallengeAuth:
		return *b
	case *KeyExchange:
		return *b
	case *KeyExchangeRsp:
		return *b
	case *Finish:
		return *b
	case *FinishRsp:
		return *b
	case *PskExchange:
		return *b
	case *PskExchangeRsp:
		return *b
	case *PskFinish:
		return *b
	case *PskFinishRsp:
		return *b
	case *Heartbeat:
		return *b
	case *HeartbeatAck:
		return *b
	case *KeyUpdate:
		return *b
	case *KeyUpdateAck:
		return *b
	case *EndSession:
		return *b
	case *EndSessionAck:
		return *b
	case *ErrorMessage:
		return *b
	}
	return body
}

// Every truncation of a valid message must fail cleanly, never panic or
// over-read. ERROR is excluded: its free-form extended data makes prefixes
// legitimately decodable.
func TestTruncation(t *testing.T) {
	for _, body := range roundTripMessages() {
		if body.Type() == ErrorCode {
			continue
		}
		t.Run(body.Type().String(), func(t *testing.T) {
			raw, err := Encode(Version12, body)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			for n := range raw {
				if _, err := Decode(raw[:n], testSizes); err == nil {
					t.Errorf("decode succeeded on %d of %d bytes", n, len(raw))
				}
			}
		})
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	raw, err := Encode(Version11, GetDigests{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(append(raw, 0), testSizes); err == nil {
		t.Error("decode accepted trailing bytes")
	}
}

func TestDecodeRejectsNonzeroReserved(t *testing.T) {
	raw, err := Encode(Version11, GetVersion{})
	if err != nil {
		t.Fatal(err)
	}
	raw[2] = 0xff
	if _, err := Decode(raw, testSizes); !errors.Is(err, ErrMalformedReserved) {
		t.Errorf("got %v, expected ErrMalformedReserved", err)
	}
}

func TestDecodeRejectsUnknownCode(t *testing.T) {
	_, err := Decode([]byte{byte(Version11), 0xAB, 0, 0}, testSizes)
	var unsupported UnsupportedCodeError
	if !errors.As(err, &unsupported) {
		t.Errorf("got %v, expected UnsupportedCodeError", err)
	}
}

func TestDecodeRejectsBogusLengthField(t *testing.T) {
	// A CERTIFICATE response whose portion length promises more bytes than
	// the message carries.
	raw, err := Encode(Version11, Certificate{Portion: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	raw[4] = 0xff
	raw[5] = 0xff
	if _, err := Decode(raw, testSizes); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, expected ErrTruncated", err)
	}
}

func TestVersionNumber(t *testing.T) {
	v := VersionNumber{Major: 1, Minor: 2, Update: 3, Alpha: 4}
	if got := unpackVersionNumber(v.pack()); got != v {
		t.Errorf("pack/unpack changed %v to %v", v, got)
	}
	if v.Version() != Version12 {
		t.Errorf("version byte %s", v.Version())
	}
}
