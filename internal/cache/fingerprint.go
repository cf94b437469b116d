package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/digkill/TGImageBot/internal/models"
)

// Fingerprint derives the cache key of a normalized request. Fields are
// length-prefixed so distinct requests never share a preimage. For image
// edits the source bytes participate, so the same caption on two different
// photos yields two entries.
func Fingerprint(req models.GenerationRequest) string {
	h := sha256.New()
	writeField(h, []byte(req.Kind))
	switch req.Kind {
	case models.KindImageEdit:
		writeField(h, []byte(req.Caption))
		writeField(h, req.SourceImage)
	default:
		writeField(h, []byte(req.Prompt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeField(w byteWriter, b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	w.Write(size[:])
	w.Write(b)
}
