package geocache

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
)

// Fingerprint is a stable hash over the records in order. It changes when
// any field of any record changes.
func Fingerprint(pois []model.POIRecord) string {
	d := xxhash.New()
	for _, p := range pois {
		b, err := json.Marshal(p)
		if err != nil {
			// POIRecord holds only strings and floats
			continue
		}
		_, _ = d.Write(b)
		_, _ = d.Write([]byte{'\n'})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
