package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

const maxAvatarBytes = 2 << 20 // 2 MiB

var (
	ErrNotAnImage    = errors.New("file is not a supported image")
	ErrAvatarTooBig  = fmt.Errorf("avatar exceeds %d bytes", maxAvatarBytes)
	ErrInvalidAvatar = errors.New("invalid avatar id")

	avatarIDRe = regexp.MustCompile(`^[a-f0-9]{64}\.(png|jpg|gif|webp)$`)
)

// AvatarStore keeps user avatars. IDs are content hashes plus the detected
// image extension, so the same image uploaded twice lands in the same file
// and the extension carries the content type.
type AvatarStore struct {
	files FileStore
}

func NewAvatarStore(files FileStore) *AvatarStore {
	return &AvatarStore{files: files}
}

// Save validates the upload is a real image, stores it and returns its ID.
func (s *AvatarStore) Save(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAvatarBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > maxAvatarBytes {
		return "", ErrAvatarTooBig
	}

	// The magic bytes decide, not the client's content type.
	kind, err := filetype.Match(data)
	if err != nil || !isSupportedImage(kind) {
		return "", ErrNotAnImage
	}

	hash := sha256.Sum256(data)
	id := hex.EncodeToString(hash[:]) + "." + kind.Extension

	if err := s.files.Save(bytes.NewReader(data), id); err != nil {
		return "", fmt.Errorf("failed to store avatar: %w", err)
	}
	return id, nil
}

// Open returns the avatar content and its MIME type.
func (s *AvatarStore) Open(id string) (io.ReadCloser, string, error) {
	if !avatarIDRe.MatchString(id) {
		return nil, "", ErrInvalidAvatar
	}

	f, err := s.files.Get(id)
	if err != nil {
		return nil, "", err
	}

	kind := filetype.GetType(id[65:])
	if kind == types.Unknown {
		_ = f.Close()
		return nil, "", ErrInvalidAvatar
	}
	return f, kind.MIME.Value, nil
}

func isSupportedImage(kind types.Type) bool {
	switch kind.Extension {
	case "png", "jpg", "gif", "webp":
		return true
	default:
		return false
	}
}
