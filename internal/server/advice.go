package server

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	adviceSystemPrompt      = "You are an energy optimization expert."
	topAdviceSystemPrompt   = "You are an energy optimization expert who ranks and condenses recommendations."
	chatSystemPrompt        = "You are a helpful assistant for a home energy monitoring dashboard. Use the sensor context provided with each question when it is relevant, say so when the data does not cover the question, and keep answers short and practical."
	adviceReadingsPerRoom   = 20
	adviceFallbackSample    = 20
	topAdviceSourceLimit    = 1000
	chatBucketWidth         = 6 * time.Hour
	chatBucketLimit         = 120
	generalAdviceRoomNumber = "General"
)

type adviceKind string

const (
	adviceStructured adviceKind = "structured"
	adviceFreeform   adviceKind = "freeform"
)

// parsedAdvice is one recommendation extracted from a completion reply.
// Kind tells consumers whether the line matched the requested format or was
// kept through the lenient fallback.
type parsedAdvice struct {
	RoomNumber string
	AdviceText string
	Kind       adviceKind
}

var (
	structuredAdvicePattern = regexp.MustCompile(`(?i)^(?:[-*•]\s*|\d+[.)]\s*)?\**\s*room\s+(\d+|general)\s*\**\s*:\s*\**\s*(.*)$`)
	bulletLinePattern       = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+(.*)$`)
	roomMentionPattern      = regexp.MustCompile(`(?i)\broom\s*#?\s*(\d+)`)
)

// parseAdviceReply splits a free-text reply into advice items. Lines of the
// form `Room <n|General>: "<text>"` are structured; any other line containing a
// colon is kept as freeform advice for the General room. Everything else is
// dropped, including a structured line whose quoted text is empty.
func parseAdviceReply(reply string) []parsedAdvice {
	lines := splitNonEmptyLines(reply)
	result := make([]parsedAdvice, 0, len(lines))
	for _, line := range lines {
		if match := structuredAdvicePattern.FindStringSubmatch(line); match != nil {
			text := cleanAdviceText(match[2])
			if text == "" {
				continue
			}
			room := match[1]
			if strings.EqualFold(room, generalAdviceRoomNumber) {
				room = generalAdviceRoomNumber
			}
			result = append(result, parsedAdvice{RoomNumber: room, AdviceText: text, Kind: adviceStructured})
			continue
		}
		if strings.Contains(line, ":") {
			result = append(result, parsedAdvice{RoomNumber: generalAdviceRoomNumber, AdviceText: line, Kind: adviceFreeform})
		}
	}
	return result
}

func cleanAdviceText(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimSuffix(strings.TrimPrefix(text, "**"), "**")
	text = strings.Trim(text, "\"“”'`")
	return strings.TrimSpace(text)
}

// parseBulletLines keeps bullet or numbered lines with their marker removed,
// in reply order.
func parseBulletLines(reply string) []string {
	lines := splitNonEmptyLines(reply)
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		match := bulletLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		text := strings.TrimSpace(match[1])
		if text != "" {
			result = append(result, text)
		}
	}
	return result
}

// extractRoomNumber finds a "room <digits>" mention, case-insensitively.
func extractRoomNumber(input string) (string, bool) {
	match := roomMentionPattern.FindStringSubmatch(input)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type promptReading struct {
	Time        string  `json:"time"`
	ReadingType string  `json:"type"`
	Value       float64 `json:"value"`
	SensorID    string  `json:"sensor"`
}

type promptRoom struct {
	RoomNumber string          `json:"roomNumber"`
	Readings   []promptReading `json:"readings"`
}

// groupSamplesByRoom keeps room order stable (numeric-aware) so prompts are
// reproducible for the same sample.
func groupSamplesByRoom(samples []roomReadingSample) []promptRoom {
	index := map[string]int{}
	rooms := make([]promptRoom, 0)
	for _, sample := range samples {
		pos, ok := index[sample.RoomNumber]
		if !ok {
			pos = len(rooms)
			index[sample.RoomNumber] = pos
			rooms = append(rooms, promptRoom{RoomNumber: sample.RoomNumber})
		}
		rooms[pos].Readings = append(rooms[pos].Readings, promptReading{
			Time:        sample.Time.UTC().Format(time.RFC3339),
			ReadingType: sample.ReadingType,
			Value:       sample.Value,
			SensorID:    sample.SensorID,
		})
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return lessRoomNumber(rooms[i].RoomNumber, rooms[j].RoomNumber)
	})
	return rooms
}

func lessRoomNumber(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func buildAdvicePrompt(rooms []promptRoom) string {
	return strings.Join([]string{
		"Here are recent sensor readings from a home, grouped by room (Temperature in °C, Humidity in %, CO2 in ppm, PIR as motion events, Light in lux):",
		mustMarshalJSON(rooms),
		"",
		"Based on these readings, give specific energy-saving advice for each room.",
		`Write every recommendation on its own line in exactly this format: Room <room number>: "<advice>"`,
		`Use Room General: "<advice>" for advice that applies to the whole home. Do not add any other text.`,
	}, "\n")
}

func buildTopAdvicePrompt(items []notificationRecord) string {
	lines := make([]string, 0, len(items)+6)
	lines = append(lines, "Below is a list of energy-saving recommendations previously generated for this home:")
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("- Room %s: %s", item.RoomNumber, item.AdviceText))
	}
	lines = append(lines,
		"",
		"Pick the 10 most impactful recommendations, merge duplicates, and rewrite each as one short sentence.",
		"Remove any dates or timestamps. Return only the list, most impactful first, one item per line, each line starting with \"- \".",
	)
	return strings.Join(lines, "\n")
}

type chatContext struct {
	RoomNumber  string          `json:"roomNumber,omitempty"`
	BucketHours int             `json:"bucketHours,omitempty"`
	Averages    []bucketAverage `json:"averages,omitempty"`
	Rooms       []string        `json:"rooms,omitempty"`
}

func buildChatUserPrompt(ctx chatContext, question string) string {
	return strings.Join([]string{
		"Sensor context (JSON):",
		mustMarshalJSON(ctx),
		"",
		"Question: " + question,
	}, "\n")
}

func adviceGroupName(now time.Time) string {
	return "Advice " + now.Format("Jan 2, 2006 3:04 PM")
}
