package gateway

// Carrier frames are text JSON on the WebSocket, in the shape telephony
// vendors send for media streaming.

type carrierFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *carrierStart `json:"start,omitempty"`
	Media          *carrierMedia `json:"media,omitempty"`
	Mark           *carrierMark  `json:"mark,omitempty"`
}

type carrierStart struct {
	StreamSid   string `json:"streamSid"`
	CallSid     string `json:"callSid"`
	AccountSid  string `json:"accountSid,omitempty"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type carrierMedia struct {
	Payload   string `json:"payload"` // base64 PCM16
	Timestamp string `json:"timestamp,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
}

type carrierMark struct {
	Name string `json:"name"`
}

// callID prefers the call SID and falls back to the stream SID.
func (s *carrierStart) callID() string {
	if s.CallSid != "" {
		return s.CallSid
	}
	return s.StreamSid
}
