package stream

import (
	"bytes"
	"image"
	"time"
)

var startCode = []byte{0x00, 0x00, 0x01}

// nalSplitter cuts an H.264 Annex-B byte stream into NAL units, each returned
// with a 4-byte start code. Bytes before the first start code are dropped and
// the buffer is capped the same way as the frame scanner's.
type nalSplitter struct {
	buf        []byte
	cap        int
	synced     bool // buf starts with a start code
	searchFrom int
	dropped    int64
}

func newNALSplitter(capacity int) *nalSplitter {
	return &nalSplitter{cap: capacity}
}

func (s *nalSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	if s.cap > 0 && len(s.buf) > s.cap {
		s.discard(len(s.buf) - s.cap)
		s.synced = false
	}
	return len(p), nil
}

// Next returns the next complete NAL unit. A unit is complete once the start
// code of the following unit has arrived.
func (s *nalSplitter) Next() ([]byte, bool) {
	if !s.synced {
		i := bytes.Index(s.buf, startCode)
		if i < 0 {
			// keep a possible partial start code
			if len(s.buf) > 2 {
				s.discard(len(s.buf) - 2)
			}
			return nil, false
		}
		s.discard(i)
		s.synced = true
		s.searchFrom = len(startCode)
	}

	next := bytes.Index(s.buf[s.searchFrom:], startCode)
	if next < 0 {
		if n := len(s.buf) - (len(startCode) - 1); n > s.searchFrom {
			s.searchFrom = n
		}
		return nil, false
	}
	next += s.searchFrom

	// a zero before the next start code belongs to a 4-byte start code
	end := next
	if end > len(startCode) && s.buf[end-1] == 0x00 {
		end--
	}

	nal := s.unit(s.buf[len(startCode):end])
	s.discard(next)
	s.searchFrom = len(startCode)
	return nal, true
}

// Flush returns the trailing NAL unit at end of stream
func (s *nalSplitter) Flush() ([]byte, bool) {
	if !s.synced || len(s.buf) <= len(startCode) {
		s.Reset()
		return nil, false
	}
	nal := s.unit(s.buf[len(startCode):])
	s.Reset()
	return nal, true
}

func (s *nalSplitter) unit(payload []byte) []byte {
	nal := make([]byte, 0, len(payload)+4)
	nal = append(nal, 0x00, 0x00, 0x00, 0x01)
	return append(nal, payload...)
}

func (s *nalSplitter) discard(n int) {
	if n <= 0 {
		return
	}
	s.dropped += int64(n)
	s.buf = append(s.buf[:0], s.buf[n:]...)
}

func (s *nalSplitter) Reset() {
	s.buf = s.buf[:0]
	s.synced = false
	s.searchFrom = 0
}

// nalType returns the nal_unit_type of a unit produced by the splitter
func nalType(nal []byte) int {
	if len(nal) < 5 {
		return -1
	}
	return int(nal[4] & 0x1F)
}

// drainTimeout bounds the wait for a streaming decoder's last pictures at
// the end of a session
const drainTimeout = 2 * time.Second

// elementarySource feeds NAL units to a picture decoder. A StreamingDecoder
// delivers to sink directly; other decoders return pictures from Feed.
type elementarySource struct {
	splitter   *nalSplitter
	newDecoder func() (PictureDecoder, error)
	decoder    PictureDecoder
	sink       func(image.Image)
	sawSPS     bool
}

func newElementarySource(capacity int, newDecoder func() (PictureDecoder, error), sink func(image.Image)) *elementarySource {
	return &elementarySource{splitter: newNALSplitter(capacity), newDecoder: newDecoder, sink: sink}
}

func (s *elementarySource) Feed(p []byte) ([]image.Image, error) {
	s.splitter.Write(p)

	var pictures []image.Image
	for {
		nal, ok := s.splitter.Next()
		if !ok {
			return pictures, nil
		}
		out, err := s.decode(nal)
		pictures = append(pictures, out...)
		if err != nil {
			return pictures, err
		}
	}
}

// Flush decodes the trailing unit and, for a streaming decoder, waits for the
// pictures still inside it
func (s *elementarySource) Flush() ([]image.Image, error) {
	var pictures []image.Image
	if nal, ok := s.splitter.Flush(); ok {
		out, err := s.decode(nal)
		if err != nil {
			return out, err
		}
		pictures = out
	}
	if sd, ok := s.decoder.(StreamingDecoder); ok {
		if err := sd.Drain(drainTimeout); err != nil {
			return pictures, err
		}
	}
	return pictures, nil
}

// decode passes nal to the decoder. Units before the first SPS cannot be
// decoded and are skipped.
func (s *elementarySource) decode(nal []byte) ([]image.Image, error) {
	if !s.sawSPS {
		if nalType(nal) != 7 {
			return nil, nil
		}
		s.sawSPS = true
	}

	if s.decoder == nil {
		d, err := s.newDecoder()
		if err != nil {
			return nil, err
		}
		if sd, ok := d.(StreamingDecoder); ok && s.sink != nil {
			sd.SetSink(s.sink)
		}
		s.decoder = d
	}
	return s.decoder.Decode(nal)
}

func (s *elementarySource) Reset() {
	s.splitter.Reset()
	s.sawSPS = false
	if s.decoder != nil {
		s.decoder.Reset()
	}
}

func (s *elementarySource) Close() error {
	if s.decoder == nil {
		return nil
	}
	return s.decoder.Close()
}
