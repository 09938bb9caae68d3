package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Binary layout, version 2:
//
//	version(1) userLen(1) userID flags(1) refreshHash(32)
//	createdAt(8) lastRotatedAt(8) expiresAt(8) revokedAt(8)
//	idLen(1) sessionID
//
// Every field between userID and the session id sits at a fixed offset so
// the Redis scripts can rewrite flags, hash and timestamps in place.
const (
	formatVersionCurrent = 2

	flagRememberMe byte = 1 << 0
	flagRevoked    byte = 1 << 1
)

var errInvalidFormat = errors.New("invalid session format")

// Encode serialises s without its DeviceID, which is carried by the key.
func Encode(s *Session) ([]byte, error) {
	if len(s.UserID) == 0 || len(s.UserID) > 255 {
		return nil, errors.New("userID length out of range")
	}
	if len(s.ID) == 0 || len(s.ID) > 255 {
		return nil, errors.New("session id length out of range")
	}

	var buf bytes.Buffer
	buf.Grow(2 + len(s.UserID) + 1 + 32 + 32 + 1 + len(s.ID))

	buf.WriteByte(formatVersionCurrent)
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	var flags byte
	if s.RememberMe {
		flags |= flagRememberMe
	}
	if s.Revoked {
		flags |= flagRevoked
	}
	buf.WriteByte(flags)
	buf.Write(s.RefreshHash[:])

	for _, v := range []int64{s.CreatedAt, s.LastRotatedAt, s.ExpiresAt, s.RevokedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(byte(len(s.ID)))
	buf.WriteString(s.ID)

	return buf.Bytes(), nil
}

// Decode parses a blob written by Encode.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != formatVersionCurrent {
		return nil, errInvalidFormat
	}

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if userLen == 0 {
		return nil, errInvalidFormat
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}

	s := &Session{UserID: string(userID)}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.RememberMe = flags&flagRememberMe != 0
	s.Revoked = flags&flagRevoked != 0

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}

	for _, dst := range []*int64{&s.CreatedAt, &s.LastRotatedAt, &s.ExpiresAt, &s.RevokedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	idLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if idLen == 0 {
		return nil, errInvalidFormat
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}
	s.ID = string(id)

	if reader.Len() != 0 {
		return nil, errInvalidFormat
	}

	return s, nil
}

func encodeUnix(v int64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(v))
	return out[:]
}
