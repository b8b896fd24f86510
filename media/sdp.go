package media

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// RemoteMedia is the audio endpoint extracted from a remote SDP.
type RemoteMedia struct {
	Address string
	Port    int
	// Codecs are remote payloads mapped onto locally known codecs, in
	// the order the remote listed them.
	Codecs []Codec
	// PayloadTypes carries every advertised payload type raw, including
	// locally unknown ones.
	PayloadTypes []uint8
}

// BuildOffer renders an SDP offer with one audio m= line listing codecs in
// preference order, direction sendrecv - RFC 3264.
func BuildOffer(localIP string, rtpPort int, codecs []Codec) ([]byte, error) {
	return marshalSession(localIP, rtpPort, codecs)
}

// BuildAnswer renders an SDP answer carrying exactly the one chosen codec.
func BuildAnswer(localIP string, rtpPort int, chosen Codec) ([]byte, error) {
	return marshalSession(localIP, rtpPort, []Codec{chosen})
}

func marshalSession(localIP string, rtpPort int, codecs []Codec) ([]byte, error) {
	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.RTPMap()})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sessionID := uint64(rand.Uint32())
	sessionDesc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "sipkit media session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: localIP,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	return sessionDesc.Marshal()
}

// ParseRemoteSDP extracts the first audio media, its connection address,
// port and advertised codecs from remote SDP.
func ParseRemoteSDP(data []byte, known []Codec) (*RemoteMedia, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrSDPParse)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, ErrNoAudioMedia
	}

	remote := &RemoteMedia{
		Port: audio.MediaName.Port.Value,
	}

	// Connection line may sit on session or media level.
	if ci := sd.ConnectionInformation; ci != nil && ci.Address != nil {
		remote.Address = ci.Address.Address
	}
	if ci := audio.ConnectionInformation; ci != nil && ci.Address != nil {
		remote.Address = ci.Address.Address
	}
	if remote.Address == "" {
		return nil, fmt.Errorf("missing connection address: %w", ErrSDPParse)
	}

	// rtpmap attributes override static payload type mapping.
	rtpmaps := map[uint8]string{}
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := parseRTPMap(attr.Value)
		if !ok {
			continue
		}
		rtpmaps[pt] = name
	}

	for _, format := range audio.MediaName.Formats {
		ptRaw, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		pt := uint8(ptRaw)
		remote.PayloadTypes = append(remote.PayloadTypes, pt)

		if name, ok := rtpmaps[pt]; ok {
			if c, found := CodecByName(known, name); found {
				// Dynamic payload types follow the remote rtpmap number.
				c.PayloadType = pt
				remote.Codecs = append(remote.Codecs, c)
				continue
			}
			continue
		}
		if c, found := CodecByPayloadType(known, pt); found {
			remote.Codecs = append(remote.Codecs, c)
		}
	}

	return remote, nil
}

// parseRTPMap splits "8 PCMA/8000" into payload type and encoding name.
func parseRTPMap(value string) (pt uint8, name string, ok bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 || n > 127 {
		return 0, "", false
	}
	enc := strings.SplitN(parts[1], "/", 2)
	return uint8(n), enc[0], true
}

// NegotiateCodec intersects remote offer with supported codecs.
// Local preference order wins unless a handler was delegated the choice.
func NegotiateCodec(remote *RemoteMedia, supported []Codec) (Codec, error) {
	for _, local := range supported {
		for _, offered := range remote.Codecs {
			if strings.EqualFold(local.Name, offered.Name) {
				return offered, nil
			}
		}
	}
	return Codec{}, ErrNoCommonCodec
}
