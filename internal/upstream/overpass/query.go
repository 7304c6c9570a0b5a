package overpass

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxResults is the server side output cap requested by every query.
const MaxResults = 1000

var amenities = []string{"restaurant", "fast_food"}

var elementTypes = []string{"node", "way", "relation"}

// BuildQuery renders the Overpass QL text for all restaurant and fast food
// elements within radius metres of (lat, lng).
func BuildQuery(lat, lng, radius float64, evalTimeout time.Duration) string {
	secs := int(evalTimeout / time.Second)
	if secs <= 0 {
		secs = 15
	}
	around := fmt.Sprintf("(around:%s,%s,%s)", fmtNum(radius), fmtNum(lat), fmtNum(lng))

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n(\n", secs)
	for _, a := range amenities {
		for _, typ := range elementTypes {
			fmt.Fprintf(&b, "  %s[\"amenity\"=%q]%s;\n", typ, a, around)
		}
	}
	fmt.Fprintf(&b, ");\nout center %d;", MaxResults)
	return b.String()
}

func fmtNum(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
