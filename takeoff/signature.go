package takeoff

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// QuantityRow is an extracted quantity candidate.
type QuantityRow struct {
	Name          string   `json:"name"`
	Quantity      float64  `json:"quantity"`
	Unit          string   `json:"unit"`
	LocationKey   string   `json:"location_key,omitempty"`
	SheetIDs      []string `json:"sheet_ids,omitempty"`
	Pages         []int    `json:"pages,omitempty"`
	BBoxes        []BBox   `json:"bboxes,omitempty"`
	SignatureHash string   `json:"signature_hash"`
}

// Signature returns the stable fingerprint of the row: a hash over the
// normalized name, canonical unit, normalized location key and quantity
// rounded to two decimals. It ignores SignatureHash, sheets and pages.
func (r QuantityRow) Signature() string {
	return Signature(r.Name, r.Unit, r.LocationKey, r.Quantity)
}

// Sign returns r with SignatureHash and LocationKey normalized.
func (r QuantityRow) Sign() QuantityRow {
	r.LocationKey = NormalizeLocation(r.LocationKey)
	r.SignatureHash = r.Signature()
	return r
}

// Signature hashes the canonical form of one quantity.
func Signature(name, unit, location string, quantity float64) string {
	canon := strings.Join([]string{
		NormalizeName(name),
		CanonicalUnit(unit),
		NormalizeLocation(location),
		strconv.FormatFloat(RoundQuantity(quantity), 'f', 2, 64),
	}, "|")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:16])
}

// IdentityKey is the signature without the quantity. Providers that
// disagree on a count still share an identity key.
func IdentityKey(name, unit, location string) string {
	return NormalizeName(name) + "|" + CanonicalUnit(unit) + "|" + NormalizeLocation(location)
}

// RoundQuantity rounds to two decimals, half away from zero.
func RoundQuantity(q float64) float64 {
	return math.Round(q*100) / 100
}

// NormalizeName lowercases, folds the multiplication sign and spaced
// dimension separators ("2 x 4" → "2x4"), drops punctuation other than
// the characters that carry meaning in material names (x / . - " ') and
// collapses whitespace. Plurals are kept: "stud" and "studs" stay distinct.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "×", "x"))
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case strings.ContainsRune(`/.-"'`, r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	// Join "2 x 4" into "2x4".
	out := fields[:0]
	for i := 0; i < len(fields); i++ {
		if fields[i] == "x" && len(out) > 0 && i+1 < len(fields) &&
			startsWithDigit(out[len(out)-1]) && startsWithDigit(fields[i+1]) {
			out[len(out)-1] += "x" + fields[i+1]
			i++
			continue
		}
		out = append(out, fields[i])
	}
	return strings.Join(out, " ")
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// NormalizeLocation maps a location to lowercase alphanumeric runs joined
// by "-": "Wall A3", "WALL-A3" and "wall a3" all become "wall-a3".
func NormalizeLocation(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

var unitSynonyms = map[string]string{
	"ea": "ea", "each": "ea", "pc": "ea", "pcs": "ea", "piece": "ea", "pieces": "ea",
	"no": "ea", "nr": "ea", "unit": "ea", "units": "ea", "qty": "ea", "count": "ea",
	"lf": "lf", "lin ft": "lf", "linft": "lf", "linear ft": "lf", "linear feet": "lf",
	"ft": "lf", "feet": "lf", "foot": "lf",
	"sf": "sf", "sq ft": "sf", "sqft": "sf", "ft2": "sf", "square feet": "sf", "square foot": "sf",
	"sy": "sy", "sq yd": "sy", "sqyd": "sy", "yd2": "sy", "square yards": "sy",
	"cy": "cy", "cu yd": "cy", "cuyd": "cy", "yd3": "cy", "cubic yards": "cy",
	"cf": "cf", "cu ft": "cf", "cuft": "cf", "ft3": "cf",
	"m": "m", "lm": "m", "meter": "m", "meters": "m", "metre": "m", "metres": "m",
	"m2": "m2", "sqm": "m2", "sq m": "m2", "square meters": "m2",
	"m3": "m3", "cum": "m3", "cu m": "m3", "cubic meters": "m3",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"ton": "ton", "tons": "ton", "tn": "ton",
	"kg": "kg", "t": "t", "tonne": "t", "tonnes": "t",
	"gal": "gal", "gallon": "gal", "gallons": "gal",
	"ls": "ls", "lump sum": "ls", "lumpsum": "ls",
	"hr": "hr", "hrs": "hr", "hour": "hr", "hours": "hr",
}

// CanonicalUnit maps unit spellings to one canonical abbreviation.
// Unknown units are returned lowercased with periods and spaces trimmed.
func CanonicalUnit(u string) string {
	k := strings.ToLower(strings.TrimSpace(u))
	k = strings.ReplaceAll(k, ".", "")
	k = strings.ReplaceAll(k, "²", "2")
	k = strings.ReplaceAll(k, "³", "3")
	k = strings.Join(strings.Fields(k), " ")
	if c, ok := unitSynonyms[k]; ok {
		return c
	}
	return k
}

// IsUnit reports whether u is a known unit spelling.
func IsUnit(u string) bool {
	k := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(u), ".", ""))
	_, ok := unitSynonyms[k]
	return ok
}
