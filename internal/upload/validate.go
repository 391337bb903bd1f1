package upload

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/models"
)

// SniffLen is how many leading bytes content sniffing looks at.
const SniffLen = 3072

// Rules are the limits every upload is checked against before anything is stored.
type Rules struct {
	MaxSize          int64
	MaxScriptSize    int64
	VideoExtensions  []string
	ScriptExtensions []string
}

func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		MaxSize:          cfg.MaxUploadSize,
		MaxScriptSize:    cfg.MaxScriptSize,
		VideoExtensions:  cfg.AllowedVideoExtensions,
		ScriptExtensions: cfg.AllowedScriptExtensions,
	}
}

// Validate checks the file type, name and size of an upload and returns the
// cleaned filename.
func (r Rules) Validate(fileType, filename string, size int64) (string, error) {
	name, err := ValidateFilename(filename)
	if err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch fileType {
	case models.AssetTypeVideo:
		if !slices.Contains(r.VideoExtensions, ext) {
			return "", fmt.Errorf("%w: unsupported video format %q, allowed: %s", ErrValidation, ext, strings.Join(r.VideoExtensions, ", "))
		}
	case models.AssetTypeScript:
		if !slices.Contains(r.ScriptExtensions, ext) {
			return "", fmt.Errorf("%w: unsupported script format %q, allowed: %s", ErrValidation, ext, strings.Join(r.ScriptExtensions, ", "))
		}
	default:
		return "", fmt.Errorf("%w: file_type must be %q or %q", ErrValidation, models.AssetTypeVideo, models.AssetTypeScript)
	}

	if size <= 0 {
		return "", fmt.Errorf("%w: file_size must be positive", ErrValidation)
	}
	if r.MaxSize > 0 && size > r.MaxSize {
		return "", fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrTooLarge, size, r.MaxSize)
	}
	if fileType == models.AssetTypeScript && r.MaxScriptSize > 0 && size > r.MaxScriptSize {
		return "", fmt.Errorf("%w: script of %d bytes exceeds the maximum of %d", ErrTooLarge, size, r.MaxScriptSize)
	}
	return name, nil
}

var reservedFilenameParts = []string{"..", "/", "\\", "<", ">", ":", "\"", "|", "?", "*"}

// ValidateFilename trims name and rejects path separators and reserved characters.
func ValidateFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: filename cannot be empty", ErrValidation)
	}
	if len(name) > 255 {
		return "", fmt.Errorf("%w: filename is longer than 255 bytes", ErrValidation)
	}
	for _, part := range reservedFilenameParts {
		if strings.Contains(name, part) {
			return "", fmt.Errorf("%w: filename contains invalid characters", ErrValidation)
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: filename contains control characters", ErrValidation)
		}
	}
	return name, nil
}

var scriptTypes = []string{
	"text/plain",
	"application/pdf",
	"application/msword",
	"application/x-ole-storage",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/zip",
}

// SniffContentType detects the content type of head, the first bytes of a
// file, and checks that it fits fileType.
func SniffContentType(head []byte, fileType string) (string, error) {
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		base, _, _ := strings.Cut(m.String(), ";")
		switch fileType {
		case models.AssetTypeVideo:
			if strings.HasPrefix(base, "video/") {
				return detected.String(), nil
			}
		case models.AssetTypeScript:
			if slices.Contains(scriptTypes, base) {
				return detected.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: content looks like %s, not a %s file", ErrValidation, detected.String(), fileType)
}
