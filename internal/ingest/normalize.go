package ingest

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Canonical field names
const (
	FieldTimestamp = "timestamp"
	FieldNear      = "near"
	FieldMedium    = "medium"
	FieldFar       = "far"
	FieldBattery   = "battery"
	FieldBeaconID  = "beaconid"
)

// Normalizer turns raw field text into numbers. It never fails: anything it cannot
// read becomes 0 and is reported at debug level.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a normalizer
func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

// Normalize dispatches on the field name
func (n *Normalizer) Normalize(field, raw string) float64 {
	if strings.EqualFold(field, FieldBattery) {
		return n.Battery(raw)
	}
	return float64(n.Count(field, raw))
}

// Battery reads a percentage such as "87%" or "87.5 %". Values are not clamped.
func (n *Normalizer) Battery(raw string) float64 {
	if strings.TrimSpace(raw) == "" {
		n.logger.Debug("Missing value, defaulting to 0", zap.String("field", FieldBattery))
		return 0
	}

	value, ok := ParseBattery(raw)
	if !ok {
		n.logger.Debug("Unparseable value, defaulting to 0",
			zap.String("field", FieldBattery),
			zap.String("raw", raw))
		return 0
	}
	return value
}

// Count reads a near/medium/far visit count
func (n *Normalizer) Count(field, raw string) int {
	if strings.TrimSpace(raw) == "" {
		n.logger.Debug("Missing value, defaulting to 0", zap.String("field", field))
		return 0
	}

	value, ok := ParseCount(raw)
	if !ok {
		n.logger.Debug("Unparseable value, defaulting to 0",
			zap.String("field", field),
			zap.String("raw", raw))
		return 0
	}
	return value
}

// ParseBattery keeps digits and dots, then reads the longest leading decimal number
func ParseBattery(raw string) (float64, bool) {
	cleaned := keepOnly(raw, ".")

	end, digits, dot := 0, 0, false
	for end < len(cleaned) {
		c := cleaned[end]
		if c == '.' {
			if dot {
				break
			}
			dot = true
		} else {
			digits++
		}
		end++
	}
	if digits == 0 {
		return 0, false
	}

	value, err := strconv.ParseFloat(cleaned[:end], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseCount keeps digits and minus signs, then reads a leading signed base-10 integer
func ParseCount(raw string) (int, bool) {
	cleaned := keepOnly(raw, "-")

	end := 0
	if end < len(cleaned) && cleaned[end] == '-' {
		end++
	}
	start := end
	for end < len(cleaned) && cleaned[end] >= '0' && cleaned[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}

	value, err := strconv.Atoi(cleaned[:end])
	if err != nil {
		return 0, false
	}
	return value, true
}

// keepOnly drops everything except ASCII digits and the extra characters
func keepOnly(raw, extra string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= '0' && c <= '9') || strings.IndexByte(extra, c) >= 0 {
			b.WriteByte(c)
		}
	}
	return b.String()
}
