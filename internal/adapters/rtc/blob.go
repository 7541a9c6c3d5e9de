package rtc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pion/webrtc/v4"
)

// ErrMalformedBlob is returned for any blob that does not decode into a
// usable offer or answer.
var ErrMalformedBlob = errors.New("malformed handshake blob")

const maxBlobMemory = 1 << 20

var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	var err error
	blobEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("rtc: zstd encoder: " + err.Error())
	}
	blobDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobMemory))
	if err != nil {
		panic("rtc: zstd decoder: " + err.Error())
	}
}

// Handshake is what travels through the directory: a session description
// plus the candidates gathered for it.
type Handshake struct {
	Description webrtc.SessionDescription `json:"description"`
	Candidates  []webrtc.ICECandidateInit `json:"candidates,omitempty"`
}

// EncodeBlob renders h as a compact, URL-safe string.
func EncodeBlob(h Handshake) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode handshake: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(blobEncoder.EncodeAll(raw, nil)), nil
}

func DecodeBlob(blob string) (Handshake, error) {
	var h Handshake
	packed, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	raw, err := blobDecoder.DecodeAll(packed, nil)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	switch h.Description.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return h, fmt.Errorf("%w: unexpected type %q", ErrMalformedBlob, h.Description.Type.String())
	}
	if h.Description.SDP == "" {
		return h, fmt.Errorf("%w: empty sdp", ErrMalformedBlob)
	}
	return h, nil
}

func decodeAs(blob string, want webrtc.SDPType) (Handshake, error) {
	h, err := DecodeBlob(blob)
	if err != nil {
		return h, err
	}
	if h.Description.Type != want {
		return h, fmt.Errorf("%w: want %s, got %s", ErrMalformedBlob, want, h.Description.Type)
	}
	return h, nil
}
