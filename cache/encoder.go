package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/jwt"
)

// Binary layout, version 1:
//
//	version(1) flags(1) epoch(8) expiresAt(8)
//	then userID username email role provider deviceID tokenID,
//	each as len(1) bytes
const (
	decisionFormatVersion = 1

	flagProvider byte = 1 << 0
)

var errInvalidDecision = errors.New("invalid cached decision")

func encodeDecision(d *Decision) ([]byte, error) {
	id := &d.Identity
	provider, hasProvider := id.Provider.Get()
	fields := []string{id.UserID, id.Username, id.Email, string(id.Role), provider, id.DeviceID, id.TokenID}

	size := 18
	for _, f := range fields {
		if len(f) > 255 {
			return nil, errors.New("decision field too long")
		}
		size += 1 + len(f)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteByte(decisionFormatVersion)

	var flags byte
	if hasProvider {
		flags |= flagProvider
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, d.Epoch); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, id.ExpiresAt.Unix()); err != nil {
		return nil, err
	}
	for _, f := range fields {
		buf.WriteByte(byte(len(f)))
		buf.WriteString(f)
	}
	return buf.Bytes(), nil
}

func decodeDecision(data []byte) (*Decision, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != decisionFormatVersion {
		return nil, errInvalidDecision
	}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	var (
		epoch     uint64
		expiresAt int64
	)
	if err := binary.Read(reader, binary.BigEndian, &epoch); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 7)
	for i := range fields {
		n, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		fields[i] = string(b)
	}
	if reader.Len() != 0 || fields[0] == "" {
		return nil, errInvalidDecision
	}

	d := &Decision{
		Epoch: epoch,
		Identity: identity.Identity{
			UserID:    fields[0],
			Username:  fields[1],
			Email:     fields[2],
			Role:      identity.Role(fields[3]),
			DeviceID:  fields[5],
			TokenID:   fields[6],
			ExpiresAt: time.Unix(expiresAt, 0),
		},
	}
	if flags&flagProvider != 0 {
		d.Identity.Provider = jwt.Provider(fields[4])
	}
	return d, nil
}
