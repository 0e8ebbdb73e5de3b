package signing

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// maxSignatureBytes bounds the decoded image size accepted from clients.
const maxSignatureBytes = 5 << 20

// DecodeSignatureData accepts a data URL ("data:image/png;base64,...") or a
// bare base64 string and returns the raw image bytes.
func DecodeSignatureData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, fmt.Errorf("%w: malformed data URL", ErrInvalidSignatureData)
		}
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignatureData)
	}
	if base64.StdEncoding.DecodedLen(len(s)) > maxSignatureBytes {
		return nil, fmt.Errorf("%w: too large", ErrInvalidSignatureData)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureData, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignatureData)
	}
	return data, nil
}
