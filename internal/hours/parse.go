package hours

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is one opening interval on a weekday, in minutes after local midnight.
type Window struct {
	Weekday  time.Weekday `json:"weekday"`
	OpenMin  int          `json:"open_min"`
	CloseMin int          `json:"close_min"`
	// Sprechstunde marks a dedicated phone or walk-in hour.
	Sprechstunde bool `json:"sprechstunde,omitempty"`
}

func (w Window) String() string {
	kind := ""
	if w.Sprechstunde {
		kind = " (sprechstunde)"
	}
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d%s", w.Weekday, w.OpenMin/60, w.OpenMin%60, w.CloseMin/60, w.CloseMin%60, kind)
}

// Schedule is the normalised weekly opening hours of a practice.
type Schedule struct {
	Windows []Window `json:"windows"`
	// Notes keeps text that carried no parseable hours.
	Notes []string `json:"notes,omitempty"`
}

func (s Schedule) Empty() bool { return len(s.Windows) == 0 }

// ErrUnparseable is returned when raw input yields no opening window at all.
var ErrUnparseable = errors.New("opening hours unparseable")

// Parse accepts a JSON array of windows, a JSON object keyed by weekday, or
// free text in German or English ("Mo-Fr 8-12 Uhr", "Di, Do 14:00–18:00",
// "Telefonische Sprechstunde: Mi 12-13", "Sa geschlossen").
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, ErrUnparseable
	}

	var s Schedule
	var err error
	switch raw[0] {
	case '[', '{':
		s, err = parseJSON(raw)
		if err != nil {
			// not JSON after all; fall through to text
			s = parseText(raw, false)
		}
	default:
		s = parseText(raw, false)
	}
	s.normalize()
	if s.Empty() {
		return s, ErrUnparseable
	}
	return s, nil
}

var dayNames = map[string]time.Weekday{
	"mo": time.Monday, "mon": time.Monday, "montag": time.Monday, "monday": time.Monday,
	"di": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday, "dienstag": time.Tuesday, "tuesday": time.Tuesday,
	"mi": time.Wednesday, "wed": time.Wednesday, "mittwoch": time.Wednesday, "wednesday": time.Wednesday,
	"do": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday, "donnerstag": time.Thursday, "thursday": time.Thursday,
	"fr": time.Friday, "fri": time.Friday, "freitag": time.Friday, "friday": time.Friday,
	"sa": time.Saturday, "sat": time.Saturday, "samstag": time.Saturday, "saturday": time.Saturday,
	"so": time.Sunday, "sun": time.Sunday, "sonntag": time.Sunday, "sunday": time.Sunday,
}

var (
	everyDay = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	workdays = everyDay[:5]
	weekend  = everyDay[5:]
)

// dayGroups are words that stand for several weekdays at once.
var dayGroups = map[string][]time.Weekday{
	"täglich": everyDay, "taeglich": everyDay, "daily": everyDay,
	"werktags": workdays, "werktäglich": workdays, "werktaeglich": workdays, "wochentags": workdays, "weekdays": workdays,
	"wochenende": weekend, "weekends": weekend,
}

var (
	dayRe      = regexp.MustCompile(`(?i)\b(montag|dienstag|mittwoch|donnerstag|freitag|samstag|sonntag|monday|tuesday|wednesday|thursday|friday|saturday|sunday|thurs|tues|mon|tue|wed|thu|fri|sat|sun|mo|di|mi|do|fr|sa|so)\b\.?`)
	dayGroupRe = regexp.MustCompile(`(?i)\b(werktäglich|werktaeglich|werktags|wochentags|täglich|taeglich|wochenende|weekdays|weekends|daily)\b`)
	// 8-12, 08:00 – 12:30, 8.30 bis 12 Uhr, 9 to 5
	timeRangeRe   = regexp.MustCompile(`(?i)(\d{1,2})(?:[:.](\d{2}))?\s*(?:uhr|h)?\s*(?:-|–|—|bis|to|until)\s*(\d{1,2})(?:[:.](\d{2}))?\s*(?:uhr|h)?`)
	rangeJoinRe   = regexp.MustCompile(`(?i)^\s*(?:-|–|—|bis|to)\s*$`)
	sprechstundRe = regexp.MustCompile(`(?i)sprechstunde|telefonzeit|telefonisch|erreichbarkeit|phone hours|walk-in`)
	closedRe      = regexp.MustCompile(`(?i)geschlossen|closed|nach vereinbarung|by appointment`)
)

type span struct {
	open, close int
}

type tokenKind int

const (
	tokDays tokenKind = iota
	tokSpan
	tokClosed
)

// token is a day group, a time range or a closed marker at a byte offset.
type token struct {
	kind       tokenKind
	start, end int
	days       []time.Weekday
	span       span
}

// clause is a run of day names with the times or closed marker that follow
// them. "Mo 8-12, Di 14-18" is two clauses.
type clause struct {
	days   []time.Weekday
	spans  []span
	closed bool
	end    int
}

func (c *clause) settled() bool { return len(c.spans) > 0 || c.closed }

// parseText reads segments separated by newlines, semicolons or pipes. Within
// a segment each day group gets only the times written after it. A segment
// with days but no times names the days for the following segments.
func parseText(raw string, sprechstunde bool) Schedule {
	var s Schedule
	var carryDays []time.Weekday
	carrySprech := sprechstunde

	segments := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ';' || r == '|' })
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		segSprech := sprechstunde || sprechstundRe.MatchString(seg)

		cls := clauses(tokenize(seg))
		if len(cls) == 0 {
			s.Notes = append(s.Notes, seg)
			continue
		}
		from := 0
		for i, cl := range cls {
			to := cl.end
			if i == len(cls)-1 {
				to = len(seg)
			}
			text := seg[from:to]
			from = cl.end

			isSprech := segSprech
			if len(cls) > 1 {
				isSprech = sprechstunde || sprechstundRe.MatchString(text)
			}

			switch {
			case len(cl.days) > 0 && len(cl.spans) > 0:
				s.add(cl.days, cl.spans, isSprech)
				carryDays, carrySprech = cl.days, isSprech
			case len(cl.spans) > 0 && len(carryDays) > 0:
				s.add(carryDays, cl.spans, isSprech || carrySprech)
			case cl.closed:
				s.Notes = append(s.Notes, clauseText(text))
				carryDays = nil
			case len(cl.days) > 0:
				carryDays, carrySprech = cl.days, isSprech
			default:
				s.Notes = append(s.Notes, clauseText(text))
			}
		}
	}
	return s
}

// tokenize finds time ranges first and blanks them out, so "9 bis 17" is not
// read as a day range, then collects day groups and closed markers. Tokens
// come back in text order.
func tokenize(seg string) []token {
	var toks []token
	masked := []byte(seg)
	for _, m := range timeRangeRe.FindAllStringSubmatchIndex(seg, -1) {
		for i := m[0]; i < m[1]; i++ {
			masked[i] = ' '
		}
		if sp, ok := spanOf(seg, m); ok {
			toks = append(toks, token{kind: tokSpan, start: m[0], end: m[1], span: sp})
		}
	}
	rest := string(masked)
	toks = append(toks, dayTokens(rest)...)
	for _, m := range closedRe.FindAllStringIndex(rest, -1) {
		toks = append(toks, token{kind: tokClosed, start: m[0], end: m[1]})
	}
	sort.SliceStable(toks, func(i, j int) bool { return toks[i].start < toks[j].start })
	return toks
}

// clauses groups tokens. A day token after a settled clause opens a new one;
// day tokens in a row ("Di, Do") share a clause.
func clauses(toks []token) []*clause {
	var out []*clause
	var cur *clause
	for _, t := range toks {
		if cur == nil || (t.kind == tokDays && cur.settled()) {
			cur = &clause{}
			out = append(out, cur)
		}
		switch t.kind {
		case tokDays:
			cur.days = append(cur.days, t.days...)
		case tokSpan:
			cur.spans = append(cur.spans, t.span)
		case tokClosed:
			cur.closed = true
		}
		cur.end = t.end
	}
	return out
}

func clauseText(text string) string {
	return strings.Trim(text, " ,.:;-")
}

// spanOf converts a timeRangeRe submatch index into a span.
func spanOf(seg string, m []int) (span, bool) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return seg[m[2*i]:m[2*i+1]]
	}
	open, ok1 := clock(group(1), group(2))
	closeMin, ok2 := clock(group(3), group(4))
	if !ok1 || !ok2 || closeMin <= open {
		return span{}, false
	}
	return span{open: open, close: closeMin}, true
}

// extractSpans pulls time ranges out of seg.
func extractSpans(seg string) []span {
	var spans []span
	for _, m := range timeRangeRe.FindAllStringSubmatchIndex(seg, -1) {
		if sp, ok := spanOf(seg, m); ok {
			spans = append(spans, sp)
		}
	}
	return spans
}

func clock(h, m string) (int, bool) {
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, false
	}
	mm := 0
	if m != "" {
		if mm, err = strconv.Atoi(m); err != nil || mm > 59 {
			return 0, false
		}
	}
	if hh == 24 && mm != 0 {
		return 0, false
	}
	return hh*60 + mm, true
}

// dayTokens returns the day names and day-group words in text, joining
// ranges like "Mo-Fr" or "Montag bis Freitag" into one token.
func dayTokens(text string) []token {
	type hit struct {
		start, end int
		days       []time.Weekday
		single     bool
	}
	var hits []hit
	for _, m := range dayRe.FindAllStringSubmatchIndex(text, -1) {
		d := dayNames[strings.ToLower(text[m[2]:m[3]])]
		hits = append(hits, hit{start: m[0], end: m[1], days: []time.Weekday{d}, single: true})
	}
	for _, m := range dayGroupRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{start: m[0], end: m[1], days: dayGroups[strings.ToLower(text[m[2]:m[3]])]})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var out []token
	for i := 0; i < len(hits); i++ {
		h := hits[i]
		if h.single && i+1 < len(hits) && hits[i+1].single && rangeJoinRe.MatchString(text[h.end:hits[i+1].start]) {
			next := hits[i+1]
			out = append(out, token{kind: tokDays, start: h.start, end: next.end, days: weekdayRange(h.days[0], next.days[0])})
			i++
			continue
		}
		out = append(out, token{kind: tokDays, start: h.start, end: h.end, days: h.days})
	}
	return out
}

// weekdayRange walks forward from one weekday to another, wrapping past Sunday.
func weekdayRange(from, to time.Weekday) []time.Weekday {
	var out []time.Weekday
	for d := from; ; d = (d + 1) % 7 {
		out = append(out, d)
		if d == to {
			return out
		}
	}
}

// dayKey resolves a JSON object key such as "Di." or "werktags".
func dayKey(k string) ([]time.Weekday, bool) {
	k = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(k)), ".")
	if d, ok := dayNames[k]; ok {
		return []time.Weekday{d}, true
	}
	days, ok := dayGroups[k]
	return days, ok
}

func (s *Schedule) add(days []time.Weekday, spans []span, sprechstunde bool) {
	for _, d := range days {
		for _, sp := range spans {
			s.Windows = append(s.Windows, Window{Weekday: d, OpenMin: sp.open, CloseMin: sp.close, Sprechstunde: sprechstunde})
		}
	}
}

// normalize sorts windows and drops exact duplicates.
func (s *Schedule) normalize() {
	sort.SliceStable(s.Windows, func(i, j int) bool {
		a, b := s.Windows[i], s.Windows[j]
		if a.Weekday != b.Weekday {
			return a.Weekday < b.Weekday
		}
		if a.OpenMin != b.OpenMin {
			return a.OpenMin < b.OpenMin
		}
		return a.Sprechstunde && !b.Sprechstunde
	})
	out := s.Windows[:0]
	for _, w := range s.Windows {
		if len(out) > 0 && w == out[len(out)-1] {
			continue
		}
		out = append(out, w)
	}
	s.Windows = out
}

// jsonWindow is the element shape of the array form.
type jsonWindow struct {
	Day     json.RawMessage `json:"day"`
	Weekday json.RawMessage `json:"weekday"`
	Open    string          `json:"open"`
	From    string          `json:"from"`
	Start   string          `json:"start"`
	Close   string          `json:"close"`
	To      string          `json:"to"`
	End     string          `json:"end"`
	Type    string          `json:"type"`
	Note    string          `json:"note"`
}

func parseJSON(raw string) (Schedule, error) {
	var shape any
	if err := json.Unmarshal([]byte(raw), &shape); err != nil {
		return Schedule{}, err
	}
	switch shape.(type) {
	case []any:
		var items []jsonWindow
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Schedule{}, err
		}
		return fromArray(items), nil
	case map[string]any:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return Schedule{}, err
		}
		return fromObject(obj), nil
	default:
		return Schedule{}, ErrUnparseable
	}
}

func fromArray(items []jsonWindow) Schedule {
	var s Schedule
	for _, it := range items {
		day, ok := jsonDay(it.Day)
		if !ok {
			day, ok = jsonDay(it.Weekday)
		}
		open, ok1 := parseClock(firstNonEmpty(it.Open, it.From, it.Start))
		closeMin, ok2 := parseClock(firstNonEmpty(it.Close, it.To, it.End))
		if it.Note != "" {
			s.Notes = append(s.Notes, it.Note)
		}
		if !ok || !ok1 || !ok2 || closeMin <= open {
			continue
		}
		s.Windows = append(s.Windows, Window{
			Weekday:      day,
			OpenMin:      open,
			CloseMin:     closeMin,
			Sprechstunde: sprechstundRe.MatchString(it.Type),
		})
	}
	return s
}

func fromObject(obj map[string]json.RawMessage) Schedule {
	var s Schedule
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		text := jsonText(obj[k])
		lk := strings.ToLower(strings.TrimSpace(k))
		if days, ok := dayKey(lk); ok {
			if closedRe.MatchString(text) {
				continue
			}
			s.add(days, extractSpans(text), sprechstundRe.MatchString(text))
			continue
		}
		switch {
		case sprechstundRe.MatchString(lk):
			sub := parseText(text, true)
			s.Windows = append(s.Windows, sub.Windows...)
			s.Notes = append(s.Notes, sub.Notes...)
		case text != "":
			// "hours": "Mo-Fr 8-12" and similar free-text members
			sub := parseText(text, false)
			s.Windows = append(s.Windows, sub.Windows...)
			s.Notes = append(s.Notes, sub.Notes...)
		}
	}
	return s
}

// jsonText flattens a string or an array of strings.
func jsonText(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ", ")
	}
	return ""
}

func jsonDay(raw json.RawMessage) (time.Weekday, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		// 1 = Monday ... 7 = Sunday, 0 also accepted as Sunday
		if n < 0 || n > 7 {
			return 0, false
		}
		return time.Weekday(n % 7), true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	d, ok := dayNames[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(str)), ".")]
	return d, ok
}

func parseClock(v string) (int, bool) {
	v = strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "uhr"))
	if v == "" {
		return 0, false
	}
	h, m, _ := strings.Cut(strings.ReplaceAll(v, ".", ":"), ":")
	return clock(h, m)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
