package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// RecordType identifies a journal record
type RecordType byte

const (
	// RecordSubmitted marks a session accepted by the backend
	RecordSubmitted RecordType = 1

	// RecordFinished marks a session whose terminal result was folded back
	RecordFinished RecordType = 2
)

const (
	// HeaderSize is the fixed size of a record header
	// Layout: LSN(8) + Type(1) + Reserved(3) + KeyLen(4) + ValLen(4) + Timestamp(8)
	HeaderSize = 28

	// MaxRecordSize bounds a single record; larger lengths mean a damaged header
	MaxRecordSize = 64 << 20
)

// Record is one framed journal entry. Key is the session id and Value a
// JSON payload.
type Record struct {
	LSN       uint64
	Type      RecordType
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Encode serializes the record followed by a CRC32 of everything before it
// Format: [Header(28)] [Key] [Value] [CRC32(4)]
func (r *Record) Encode() []byte {
	keyLen := len(r.Key)
	valLen := len(r.Value)
	buf := make([]byte, HeaderSize+keyLen+valLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	buf[8] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.Timestamp.UnixNano()))

	offset := HeaderSize
	copy(buf[offset:], r.Key)
	offset += keyLen
	copy(buf[offset:], r.Value)
	offset += valLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// DecodeRecord deserializes one record
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < HeaderSize+4 {
		return nil, ErrTruncated
	}

	keyLen := int(binary.LittleEndian.Uint32(data[12:16]))
	valLen := int(binary.LittleEndian.Uint32(data[16:20]))
	size := HeaderSize + keyLen + valLen + 4
	if len(data) < size {
		return nil, ErrTruncated
	}
	data = data[:size]

	stored := binary.LittleEndian.Uint32(data[size-4:])
	if stored != crc32.ChecksumIEEE(data[:size-4]) {
		return nil, ErrCorrupted
	}

	r := &Record{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		Type:      RecordType(data[8]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[20:28]))),
	}
	offset := HeaderSize
	if keyLen > 0 {
		r.Key = append([]byte(nil), data[offset:offset+keyLen]...)
		offset += keyLen
	}
	if valLen > 0 {
		r.Value = append([]byte(nil), data[offset:offset+valLen]...)
	}
	return r, nil
}

// Size returns the encoded size of the record
func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Value) + 4
}

func (r *Record) String() string {
	name := "UNKNOWN"
	switch r.Type {
	case RecordSubmitted:
		name = "SUBMITTED"
	case RecordFinished:
		name = "FINISHED"
	}
	return fmt.Sprintf("Journal[LSN=%d Type=%s Session=%s ValLen=%d]", r.LSN, name, r.Key, len(r.Value))
}

// readRecord reads a single record. A partial record at the end of the
// stream yields ErrTruncated.
func readRecord(rd io.Reader) (*Record, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(rd, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	keyLen := binary.LittleEndian.Uint32(header[12:16])
	valLen := binary.LittleEndian.Uint32(header[16:20])
	if uint64(keyLen)+uint64(valLen) > MaxRecordSize {
		return nil, ErrCorrupted
	}
	data := make([]byte, HeaderSize+int(keyLen)+int(valLen)+4)
	copy(data, header)
	if _, err := io.ReadFull(rd, data[HeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return DecodeRecord(data)
}
