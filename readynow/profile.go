package readynow

import (
	"bytes"
	"encoding/binary"

	"github.com/joeycumines/go-nvmjit/profiledb"
)

// SaveProfile encodes db's contents with the NVMP header. The header
// itself carries only a magic and version; everything beyond the first
// 8 bytes is delegated to db.Serialize, which is responsible for its
// own forward/backward compatibility.
func SaveProfile(db profiledb.DB) ([]byte, error) {
	body, err := db.Serialize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(profileMagic[:])
	writeU32(&buf, Version)
	buf.Write(body)
	return buf.Bytes(), nil
}

// LoadProfile decodes data into db. The version field is read but not
// enforced: profile compatibility is handled entirely inside
// db.Deserialize, which tolerates unknown fields from either direction.
func LoadProfile(data []byte, db profiledb.DB) error {
	if len(data) < 8 || !bytes.Equal(data[:4], profileMagic[:]) {
		return ErrInvalidFormat
	}
	_ = binary.LittleEndian.Uint32(data[4:8])
	return db.Deserialize(data[8:])
}
