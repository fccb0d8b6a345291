package message

import "math"

// SyncSession is the handshake payload carried inside Control(SyncSession)
// (spec.md §3, §4.1). Config keys are negotiated per spec.md §4.5 (e.g.
// "ping", "sessionTimeout").
type SyncSession struct {
	Version           uint16
	SealedCertificate []byte
	ServiceID         string
	UTCMillis         uint64
	Config            map[string]string
}

// Encode serializes s into the Control-message body format described in
// spec.md §4.1: u16 version, u64 utc_ms, length-prefixed sealed certificate,
// length-prefixed service id, then a length-prefixed sequence of
// (u16,key,u16,val) config pairs.
func (s *SyncSession) Encode() ([]byte, error) {
	if len(s.SealedCertificate) > math.MaxUint16 {
		return nil, codecErrorf("sealed certificate too large: %d bytes", len(s.SealedCertificate))
	}
	if len(s.ServiceID) > math.MaxUint16 {
		return nil, codecErrorf("service id too large: %d bytes", len(s.ServiceID))
	}
	if len(s.Config) > math.MaxUint16 {
		return nil, codecErrorf("too many config entries: %d", len(s.Config))
	}

	dst := make([]byte, 0, 16+len(s.SealedCertificate)+len(s.ServiceID))
	dst = appendUint16(dst, s.Version)
	dst = appendUint64(dst, s.UTCMillis)

	dst = appendUint16(dst, uint16(len(s.SealedCertificate)))
	dst = append(dst, s.SealedCertificate...)

	dst = appendUint16(dst, uint16(len(s.ServiceID)))
	dst = append(dst, s.ServiceID...)

	dst = appendUint16(dst, uint16(len(s.Config)))
	for k, v := range s.Config {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, codecErrorf("config entry too large: %q", k)
		}
		dst = appendUint16(dst, uint16(len(k)))
		dst = append(dst, k...)
		dst = appendUint16(dst, uint16(len(v)))
		dst = append(dst, v...)
	}
	return dst, nil
}

// DecodeSyncSession parses the body produced by Encode. It returns
// ErrUnsatisfied if src is truncated.
func DecodeSyncSession(src []byte) (*SyncSession, error) {
	pos := 0
	need := func(n int) error {
		if len(src) < pos+n {
			return ErrUnsatisfied
		}
		return nil
	}

	if err := need(2); err != nil {
		return nil, err
	}
	version := readUint16(src[pos:])
	pos += 2

	if err := need(8); err != nil {
		return nil, err
	}
	utcMs := readUint64(src[pos:])
	pos += 8

	if err := need(2); err != nil {
		return nil, err
	}
	certLen := int(readUint16(src[pos:]))
	pos += 2
	if err := need(certLen); err != nil {
		return nil, err
	}
	cert := append([]byte(nil), src[pos:pos+certLen]...)
	pos += certLen

	if err := need(2); err != nil {
		return nil, err
	}
	svcLen := int(readUint16(src[pos:]))
	pos += 2
	if err := need(svcLen); err != nil {
		return nil, err
	}
	serviceID := string(src[pos : pos+svcLen])
	pos += svcLen

	if err := need(2); err != nil {
		return nil, err
	}
	numConfig := int(readUint16(src[pos:]))
	pos += 2

	config := make(map[string]string, numConfig)
	for i := 0; i < numConfig; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		kLen := int(readUint16(src[pos:]))
		pos += 2
		if err := need(kLen); err != nil {
			return nil, err
		}
		k := string(src[pos : pos+kLen])
		pos += kLen

		if err := need(2); err != nil {
			return nil, err
		}
		vLen := int(readUint16(src[pos:]))
		pos += 2
		if err := need(vLen); err != nil {
			return nil, err
		}
		v := string(src[pos : pos+vLen])
		pos += vLen

		config[k] = v
	}

	return &SyncSession{
		Version:           version,
		SealedCertificate: cert,
		ServiceID:         serviceID,
		UTCMillis:         utcMs,
		Config:            config,
	}, nil
}
