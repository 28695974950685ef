package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// rawTrade mirrors the upstream dark-pool trade payload across the feed
// versions seen in production.
type rawTrade struct {
	TrackingID         string     `json:"tracking_id"`
	Symbol             string     `json:"ticker"`
	Size               flexNumber `json:"size"`
	Price              flexNumber `json:"price"`
	Premium            flexNumber `json:"premium"`
	ExecutedAt         flexTime   `json:"executed_at"`
	NBBOAsk            flexNumber `json:"nbbo_ask"`
	NBBOBid            flexNumber `json:"nbbo_bid"`
	MarketCenter       string     `json:"market_center"`
	SaleConditionCodes string     `json:"sale_cond_codes"`
}

// rawHeadline mirrors the upstream news payload.
type rawHeadline struct {
	ItemID      string        `json:"id"`
	Headline    string        `json:"headline"`
	Content     string        `json:"content"`
	URL         string        `json:"url"`
	PublishedAt flexTime      `json:"published_at"`
	Source      string        `json:"source"`
	Symbols     []string      `json:"symbols"`
	Sentiment   flexSentiment `json:"sentiment"`
	ImpactScore flexNumber    `json:"impact_score"`
}

// flexNumber accepts a JSON number or a numeric string. Older feed versions
// serialized decimals as strings; newer ones as numbers.
type flexNumber struct {
	raw string
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		n.raw = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		n.raw = strings.TrimSpace(unquoted)
		return nil
	}
	n.raw = s
	return nil
}

// IsEmpty reports whether the field was absent, null, or an empty string.
func (n flexNumber) IsEmpty() bool {
	return n.raw == ""
}

// Decimal parses the value as an arbitrary-precision decimal.
func (n flexNumber) Decimal() (decimal.Decimal, error) {
	if n.raw == "" {
		return decimal.Zero, fmt.Errorf("value is empty")
	}
	return decimal.NewFromString(n.raw)
}

// Int64 parses the value as an integer, tolerating a trailing ".0" style
// fraction as long as it is exactly zero.
func (n flexNumber) Int64() (int64, error) {
	if n.raw == "" {
		return 0, fmt.Errorf("value is empty")
	}
	if v, err := strconv.ParseInt(n.raw, 10, 64); err == nil {
		return v, nil
	}
	d, err := decimal.NewFromString(n.raw)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("value %s has a fractional part", n.raw)
	}
	return d.IntPart(), nil
}

// flexTime accepts RFC3339 (with or without sub-second precision), the
// space-separated variant, and unix epoch seconds or milliseconds.
type flexTime struct {
	t time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (ft *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}

	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, str); err == nil {
				ft.t = t
				return nil
			}
		}
		// Epoch delivered as a string.
		if epoch, err := strconv.ParseInt(str, 10, 64); err == nil {
			ft.t = epochToTime(epoch)
			return nil
		}
		return fmt.Errorf("unrecognized timestamp %q", str)
	}

	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", s)
	}
	ft.t = epochToTime(epoch)
	return nil
}

// Time returns the parsed timestamp. Zero time with nil error means the
// field was absent; callers decide whether that is an error.
func (ft flexTime) Time() (time.Time, error) {
	return ft.t, nil
}

// epochToTime interprets large epochs as milliseconds, small as seconds.
// The cutoff (1e12) corresponds to 2001 in millis and 33658 in seconds, far
// outside any plausible market-data timestamp either way.
func epochToTime(epoch int64) time.Time {
	if epoch > 1_000_000_000_000 {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// flexSentiment accepts the historical sentiment encodings: a numeric score
// (feed v1), a numeric score as string, or a text label (feed v2).
type flexSentiment struct {
	label string
	score string // raw numeric score when upstream supplied one
	set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (fs *flexSentiment) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	fs.set = true

	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.ToLower(strings.TrimSpace(str))
		if str == "" {
			fs.set = false
			return nil
		}
		// A numeric score may arrive quoted.
		if _, err := decimal.NewFromString(str); err == nil {
			fs.score = str
			return nil
		}
		fs.label = str
		return nil
	}

	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("unrecognized sentiment value %s", s)
	}
	fs.score = s
	return nil
}

// Canonical reduces the decoded sentiment to the canonical (label, score)
// pair. Text labels are mapped onto the canonical vocabulary; numeric
// scores are bucketed and kept verbatim in the score field.
func (fs flexSentiment) Canonical() (label, score string, err error) {
	if !fs.set {
		return "", "", nil
	}

	if fs.score != "" {
		d, err := decimal.NewFromString(fs.score)
		if err != nil {
			return "", "", fmt.Errorf("invalid sentiment score %q: %w", fs.score, err)
		}
		return bucketScore(d), d.String(), nil
	}

	switch fs.label {
	case "bearish", "negative", "sell":
		return models.SentimentBearish, "", nil
	case "neutral", "mixed":
		return models.SentimentNeutral, "", nil
	case "bullish", "positive", "buy":
		return models.SentimentBullish, "", nil
	default:
		return "", "", fmt.Errorf("unknown sentiment label %q", fs.label)
	}
}
