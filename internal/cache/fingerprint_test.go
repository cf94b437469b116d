package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/digkill/TGImageBot/internal/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	req := models.GenerationRequest{RequesterID: 1, Kind: models.KindTextToImage, Prompt: "a red fox"}
	other := req
	other.RequesterID = 2

	fp := Fingerprint(req)
	assert.Len(t, fp, 64)
	assert.True(t, ValidFingerprint(fp))
	assert.Equal(t, fp, Fingerprint(other), "requester must not affect the key")
}

func TestFingerprintSeparatesKinds(t *testing.T) {
	text := models.GenerationRequest{Kind: models.KindTextToImage, Prompt: "make it cool"}
	edit := models.GenerationRequest{Kind: models.KindImageEdit, Caption: "make it cool"}
	assert.NotEqual(t, Fingerprint(text), Fingerprint(edit))
}

func TestFingerprintIncludesImageBytes(t *testing.T) {
	a := models.GenerationRequest{Kind: models.KindImageEdit, Caption: "neon", SourceImage: []byte{1, 2, 3}}
	b := models.GenerationRequest{Kind: models.KindImageEdit, Caption: "neon", SourceImage: []byte{1, 2, 4}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	a := models.GenerationRequest{Kind: models.KindImageEdit, Caption: "ab", SourceImage: []byte("c")}
	b := models.GenerationRequest{Kind: models.KindImageEdit, Caption: "a", SourceImage: []byte("bc")}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestValidFingerprint(t *testing.T) {
	assert.False(t, ValidFingerprint(""))
	assert.False(t, ValidFingerprint("../../etc/passwd"))
	assert.False(t, ValidFingerprint("ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789"))
	assert.True(t, ValidFingerprint("abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"))
}
