// Package extract pulls structured profile fields out of free-text messages.
//
// Extract runs a fixed battery of detectors (context bias, phone, city, birth/age,
// mother name, name, subject). Detectors never overwrite a field set earlier in the same
// call, and fields the conversation already holds are never returned.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Options tunes a single extraction.
type Options struct {
	// Window is the anti-repeat freshness window. Context bias only applies while the
	// conversation's last-question token is younger than Window.
	Window time.Duration
}

const (
	contextMaxWords        = 4
	contextMaxRunes        = 50
	minSubjectRunes        = 18
	minContextSubjectRunes = 12
	minSubjectResidual     = 12
	minAge                 = 7
	maxAge                 = 99
	minBirthYear           = 1900
)

// Extract returns the fields found in raw that conv does not already hold.
func Extract(raw string, conv *models.Conversation, now time.Time, opts Options) models.FieldMap {
	out := make(models.FieldMap)
	text := strings.TrimSpace(raw)
	if text == "" {
		return out
	}

	have := models.FieldMap{}
	if conv != nil && conv.Fields != nil {
		have = conv.Fields
	}
	// found keeps every candidate, including ones dropped because conv already has them,
	// so the subject detector can tell a pure data message from a real topic.
	found := make(models.FieldMap)
	set := func(k models.FieldKey, v string) bool {
		v = strings.TrimSpace(v)
		if v == "" {
			return false
		}
		if !found.Has(k) {
			found[k] = v
		}
		if have.Has(k) || out.Has(k) {
			return false
		}
		out[k] = v
		return true
	}

	folded := Fold(text)
	toks := tokens(folded)

	// Text that names a person is kept away from the city gazetteer, since many names
	// are also provinces ("Aydın").
	var nameSpans [][2]int
	claimed := false
	if conv != nil && conv.AntiRepeatFresh(now, opts.Window) && isShortReply(text) {
		switch conv.LastQuestionKey {
		case models.FieldName:
			if v, span, ok := contextName(text); ok {
				claimed = set(models.FieldName, v)
				nameSpans = append(nameSpans, span)
			}
		case models.FieldMotherName:
			if v, ok := contextAnswer(models.FieldMotherName, text, folded, toks, now); ok {
				claimed = set(models.FieldMotherName, v)
				nameSpans = append(nameSpans, [2]int{0, len(text)})
			}
		default:
			if v, ok := contextAnswer(conv.LastQuestionKey, text, folded, toks, now); ok {
				claimed = set(conv.LastQuestionKey, v)
			}
		}
	}
	if _, span, ok := introName(text); ok {
		nameSpans = append(nameSpans, span)
	} else if _, ok := capitalisedName(text); ok && !claimed {
		nameSpans = append(nameSpans, [2]int{0, len(text)})
	}
	if _, span, ok := matchMother(text); ok {
		nameSpans = append(nameSpans, span)
	}

	if v, ok := detectPhone(text); ok {
		set(models.FieldPhone, v)
	}
	if v, ok := findCity(tokens(Fold(blank(text, nameSpans...))), len(toks) <= 2); ok {
		set(models.FieldCity, v)
	}
	if v, ok := detectBirth(folded, now); ok {
		set(models.FieldBirthDate, v)
	}
	if v, ok := detectMother(text); ok {
		set(models.FieldMotherName, v)
	}
	if v, ok := detectName(text, claimed); ok {
		set(models.FieldName, v)
	}
	if detectSubject(text, toks, found) {
		set(models.FieldSubject, text)
	}
	return out
}

func isShortReply(text string) bool {
	return len(strings.Fields(text)) <= contextMaxWords && utf8.RuneCountInString(text) <= contextMaxRunes
}

// contextAnswer interprets a short reply as the answer to the field last asked about.
func contextAnswer(key models.FieldKey, text, folded string, toks []string, now time.Time) (string, bool) {
	plain := trimPunct(text)
	switch key {
	case models.FieldName:
		v, _, ok := contextName(text)
		return v, ok
	case models.FieldCity:
		if city, ok := findCity(toks, true); ok {
			return city, true
		}
		return plainWords(plain, 1, 2)
	case models.FieldMotherName:
		if v, ok := detectMother(text); ok {
			return v, true
		}
		return plainWords(plain, 1, 2)
	case models.FieldPhone:
		return contextPhone(text)
	case models.FieldBirthDate:
		if v, ok := detectBirth(folded, now); ok {
			return v, true
		}
		n, err := strconv.Atoi(plain)
		if err != nil {
			return "", false
		}
		if n >= minAge && n <= maxAge {
			return strconv.Itoa(now.Year() - n), true
		}
		if n >= minBirthYear && n <= now.Year() {
			return strconv.Itoa(n), true
		}
	case models.FieldSubject:
		if utf8.RuneCountInString(plain) >= minContextSubjectRunes && !IsGreeting(text) {
			return text, true
		}
	}
	return "", false
}

// contextName reads a short reply to the name question and reports the byte span of
// text the name came from. Only the part before the first comma is read as a bare name,
// and a reply that is only a place ("İstanbul", "İzmirdeyim") is not a name.
func contextName(text string) (string, [2]int, bool) {
	if v, span, ok := introName(text); ok {
		return v, span, true
	}
	if v, ok := detectName(text, false); ok {
		return v, [2]int{0, len(text)}, true
	}
	seg, _, _ := strings.Cut(text, ",")
	v, ok := plainWords(trimPunct(seg), 1, contextMaxWords)
	if !ok || isPlace(v) {
		return "", [2]int{}, false
	}
	return v, [2]int{0, len(seg)}, true
}

// isPlace reports whether a candidate name is really a place: a lone province, or any
// word in a suffixed place form. A province among other words may be a given name.
func isPlace(name string) bool {
	words := strings.Fields(Fold(name))
	for _, w := range words {
		if _, bare := cityIndex[w]; bare {
			if len(words) == 1 {
				return true
			}
			continue
		}
		if _, ok := LookupCity(w); ok {
			return true
		}
	}
	return false
}

// blank replaces the given byte spans of text with spaces.
func blank(text string, spans ...[2]int) string {
	if len(spans) == 0 {
		return text
	}
	b := []byte(text)
	for _, sp := range spans {
		for i := max(sp[0], 0); i < sp[1] && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

// plainWords accepts a reply of lo..hi purely alphabetic words once greeting and filler
// words are removed, returning it title-cased.
func plainWords(plain string, lo, hi int) (string, bool) {
	var kept []string
	for _, w := range strings.Fields(stripLeadingCourtesy(plain)) {
		w = trimPunct(w)
		f := Fold(w)
		if greetingPhrases[f] || fillerWords[f] || introWords[f] {
			continue
		}
		if !isLetters(w) {
			return "", false
		}
		kept = append(kept, w)
	}
	if len(kept) < lo || len(kept) > hi {
		return "", false
	}
	if utf8.RuneCountInString(strings.Join(kept, "")) < 2 {
		return "", false
	}
	return Title(strings.Join(kept, " ")), true
}

var (
	rePhoneCandidate = regexp.MustCompile(`\+?\d[\d\s\-().]{8,22}\d`)
	reSpaces         = regexp.MustCompile(`\s+`)
)

// detectPhone finds a Turkish mobile number (normalised to +90…) or an explicit
// international number written with a leading '+'.
func detectPhone(text string) (string, bool) {
	for _, cand := range rePhoneCandidate.FindAllString(text, -1) {
		// Numbers are often typed in groups; a year or age may sit in front of them, so
		// every contiguous run of groups is tried.
		groups := reSpaces.Split(strings.TrimSpace(cand), -1)
		for i := range groups {
			for j := len(groups); j > i; j-- {
				joined := strings.Join(groups[i:j], "")
				digits := onlyDigits(joined)
				if p, ok := normalizeTRMobile(digits); ok {
					return p, true
				}
				if strings.HasPrefix(joined, "+") && len(digits) >= 10 && len(digits) <= 15 {
					return "+" + digits, true
				}
			}
		}
	}
	return "", false
}

func contextPhone(text string) (string, bool) {
	for _, r := range text {
		if unicode.IsLetter(r) {
			return "", false
		}
	}
	digits := onlyDigits(text)
	if p, ok := normalizeTRMobile(digits); ok {
		return p, true
	}
	if len(digits) >= 10 && len(digits) <= 15 {
		return "+" + digits, true
	}
	return "", false
}

// normalizeTRMobile accepts 5xxxxxxxxx, 05xxxxxxxxx and 905xxxxxxxxx.
func normalizeTRMobile(d string) (string, bool) {
	switch {
	case len(d) == 10 && d[0] == '5':
		return "+90" + d, true
	case len(d) == 11 && strings.HasPrefix(d, "05"):
		return "+9" + d, true
	case len(d) == 12 && strings.HasPrefix(d, "905"):
		return "+" + d, true
	}
	return "", false
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	reNumericDate = regexp.MustCompile(`\b(\d{1,2})[./-](\d{1,2})[./-](\d{4}|\d{2})\b`)
	reBornYear    = regexp.MustCompile(`\b(\d{4})\s*(?:yilinda\s*)?(?:dogumluyum|dogumlu|dogdum)`)
	reTextDate    = regexp.MustCompile(`\b(\d{1,2})\s+(ocak|subat|mart|nisan|mayis|haziran|temmuz|agustos|eylul|ekim|kasim|aralik)\s+(\d{4})\b`)
	reAgeSuffix   = regexp.MustCompile(`\b(\d{1,2})\s*yas`)
	reAgePrefix   = regexp.MustCompile(`\byasim\s*:?\s*(\d{1,2})\b`)
)

var monthNumbers = map[string]time.Month{
	"ocak": time.January, "subat": time.February, "mart": time.March, "nisan": time.April,
	"mayis": time.May, "haziran": time.June, "temmuz": time.July, "agustos": time.August,
	"eylul": time.September, "ekim": time.October, "kasim": time.November, "aralik": time.December,
}

// detectBirth recognises full dates (formatted dd.mm.yyyy), birth years and ages, which
// are converted to a birth year relative to now.
func detectBirth(folded string, now time.Time) (string, bool) {
	if m := reNumericDate.FindStringSubmatch(folded); m != nil {
		year := m[3]
		if len(year) == 2 {
			year = "19" + year
		}
		if v, ok := formatDate(m[1], m[2], year, now); ok {
			return v, true
		}
	}
	if m := reTextDate.FindStringSubmatch(folded); m != nil {
		if v, ok := formatDate(m[1], strconv.Itoa(int(monthNumbers[m[2]])), m[3], now); ok {
			return v, true
		}
	}
	if m := reBornYear.FindStringSubmatch(folded); m != nil {
		if y, _ := strconv.Atoi(m[1]); y >= minBirthYear && y <= now.Year() {
			return m[1], true
		}
	}
	for _, re := range []*regexp.Regexp{reAgeSuffix, reAgePrefix} {
		if m := re.FindStringSubmatch(folded); m != nil {
			if age, _ := strconv.Atoi(m[1]); age >= minAge && age <= maxAge {
				return strconv.Itoa(now.Year() - age), true
			}
		}
	}
	return "", false
}

func formatDate(day, month, year string, now time.Time) (string, bool) {
	d, err1 := strconv.Atoi(day)
	m, err2 := strconv.Atoi(month)
	y, err3 := strconv.Atoi(year)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m || y < minBirthYear || t.After(now) {
		return "", false
	}
	return t.Format("02.01.2006"), true
}

const letterClass = `[\p{L}]`

var (
	reMotherNamed = regexp.MustCompile(`(?i)\banne(?:mizin|nizin|min|nin|m|n)?\s*(?:ad[ıiIİ]|[ıiIİ]sm[ıiIİ])\s*[:=]?\s*(` + letterClass + `{2,30})`)
	reMotherColon = regexp.MustCompile(`(?i)\banne\s*[:=]\s*(` + letterClass + `{2,30})`)
	reMotherPlain = regexp.MustCompile(`\b[Aa]nnem\s+(\p{Lu}\p{Ll}{1,29})`)
)

// stopWords end a captured name.
var stopWords = map[string]bool{
	"ve": true, "ile": true, "de": true, "da": true, "ki": true, "icin": true, "ama": true,
	"cok": true, "biraz": true, "hasta": true, "bu": true, "su": true, "o": true,
	"bir": true, "degil": true, "annem": true, "babam": true, "esim": true,
	"yasindayim": true, "yasiyorum": true, "dogumluyum": true, "oturuyorum": true,
}

// introWords introduce a name and are not part of it.
var introWords = map[string]bool{
	"ben": true, "benim": true, "adim": true, "ismim": true, "soyadim": true,
}

// detectMother finds the secondary contact name ("annemin adı Ayşe", "anne adı: Ayşe").
func detectMother(text string) (string, bool) {
	v, _, ok := matchMother(text)
	return v, ok
}

func matchMother(text string) (string, [2]int, bool) {
	for _, re := range []*regexp.Regexp{reMotherNamed, reMotherColon, reMotherPlain} {
		m := re.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		name := text[m[2]:m[3]]
		f := Fold(name)
		if stopWords[f] || fillerWords[f] || introWords[f] {
			continue
		}
		return Title(name), [2]int{m[2], m[3]}, true
	}
	return "", [2]int{}, false
}

var (
	reNameIntro = regexp.MustCompile(`(?i)(?:^|[\s,.;!])(?:ad[ıiIİ]m|[ıiIİ]sm[ıiIİ]m)\s*[:=]?\s+(` + letterClass + `+(?:\s+` + letterClass + `+){0,3})`)
	reNameBen   = regexp.MustCompile(`(?:^|[\s,.;!])[Bb]en\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+){0,3})`)
	reCapWord   = regexp.MustCompile(`^\p{Lu}\p{Ll}{1,29}$`)
)

// detectName finds a full name. Explicit introductions ("adım Ahmet Yılmaz", "ben Ahmet")
// always apply; when claimed is false, a message of 2–4 capitalised words or a lone
// capitalised word that is not a city, greeting or filler is also taken as a name.
func detectName(text string, claimed bool) (string, bool) {
	if v, _, ok := introName(text); ok {
		return v, true
	}
	if claimed {
		return "", false
	}
	return capitalisedName(text)
}

// capitalisedName accepts a message of 1–4 capitalised words as a name. Provinces may
// appear only next to a word that is not one ("Aydın Yılmaz", but not "İzmir").
func capitalisedName(text string) (string, bool) {
	words := strings.Fields(stripLeadingCourtesy(text))
	if len(words) == 0 || len(words) > 4 {
		return "", false
	}
	provinces := 0
	for i, w := range words {
		// Trailing punctuation is tolerated only at the end of the message.
		if i == len(words)-1 {
			w = trimPunct(w)
		}
		if !reCapWord.MatchString(w) {
			return "", false
		}
		f := Fold(w)
		if _, bare := cityIndex[f]; bare {
			provinces++
		} else if isNonName(f) {
			return "", false
		}
		words[i] = w
	}
	if provinces == len(words) {
		return "", false
	}
	return strings.Join(words, " "), true
}

var reWord = regexp.MustCompile(`\S+`)

// introName finds an explicit introduction and returns the name with the byte span of
// text it occupies. A province written right before an apostrophe ("Ankara'dan") is a
// place, not part of the name.
func introName(text string) (string, [2]int, bool) {
	for _, re := range []*regexp.Regexp{reNameIntro, reNameBen} {
		m := re.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		start, end := m[2], m[3]
		words := reWord.FindAllStringIndex(text[start:end], -1)
		if len(words) > 0 && apostropheAt(text, end) {
			last := words[len(words)-1]
			if _, bare := cityIndex[Fold(text[start+last[0]:start+last[1]])]; bare {
				words = words[:len(words)-1]
			}
		}
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = text[start+w[0] : start+w[1]]
		}
		v, n := nameWords(parts)
		if v == "" {
			continue
		}
		return v, [2]int{start, start + words[n-1][1]}, true
	}
	return "", [2]int{}, false
}

func apostropheAt(text string, i int) bool {
	r, _ := utf8.DecodeRuneInString(text[i:])
	return r == '\'' || r == '’'
}

// nameWords keeps leading words up to the first stop or filler word or suffixed place
// form, and reports how many words it kept.
func nameWords(words []string) (string, int) {
	var kept []string
	for _, w := range words {
		w = trimPunct(w)
		f := Fold(w)
		if !isLetters(w) || introWords[f] || endsIntroducedName(f) {
			break
		}
		kept = append(kept, w)
	}
	joined := strings.Join(kept, " ")
	if utf8.RuneCountInString(joined) < 3 {
		return "", 0
	}
	return Title(joined), len(kept)
}

// endsIntroducedName is isNonName for words that follow "adım" or "ben": a bare
// province there is a given name or surname.
func endsIntroducedName(folded string) bool {
	if _, bare := cityIndex[folded]; bare {
		return false
	}
	return isNonName(folded)
}

func isNonName(folded string) bool {
	if greetingPhrases[folded] || fillerWords[folded] || stopWords[folded] {
		return true
	}
	if _, ok := monthNumbers[folded]; ok {
		return true
	}
	_, isCity := LookupCity(folded)
	return isCity
}

// subjectNoise are tokens that only carry other fields.
var subjectNoise = map[string]bool{
	"telefon": true, "telefonum": true, "numaram": true, "numara": true, "tel": true,
	"sehir": true, "sehrim": true, "yasiyorum": true, "oturuyorum": true, "dayim": true,
	"deyim": true, "danim": true, "denim": true, "yasindayim": true, "yasinda": true, "yas": true,
	"yasim": true, "dogumluyum": true, "dogumlu": true, "yilinda": true, "dogdum": true,
	"adi": true, "ismi": true, "annemin": true, "annem": true, "anne": true,
	"dan": true, "den": true, "tan": true, "ten": true, "yaziyorum": true,
}

// detectSubject accepts the whole message as the topic when it is long enough, is not a
// greeting, and still says something once the other detected fields are removed.
func detectSubject(text string, toks []string, found models.FieldMap) bool {
	if utf8.RuneCountInString(text) < minSubjectRunes || IsGreeting(text) {
		return false
	}
	known := make(map[string]bool)
	for _, v := range found {
		for _, t := range tokens(Fold(v)) {
			known[t] = true
		}
	}
	residual := 0
	for _, t := range toks {
		if known[t] || subjectNoise[t] || introWords[t] || fillerWords[t] || greetingPhrases[t] {
			continue
		}
		if onlyDigits(t) == t {
			continue
		}
		if _, ok := LookupCity(t); ok {
			continue
		}
		residual += utf8.RuneCountInString(t)
	}
	return residual >= minSubjectResidual
}
