package extract

import "strings"

// provinces lists the 81 Turkish provinces by display name.
var provinces = []string{
	"Adana", "Adıyaman", "Afyonkarahisar", "Ağrı", "Amasya", "Ankara", "Antalya", "Artvin",
	"Aydın", "Balıkesir", "Bilecik", "Bingöl", "Bitlis", "Bolu", "Burdur", "Bursa",
	"Çanakkale", "Çankırı", "Çorum", "Denizli", "Diyarbakır", "Edirne", "Elazığ", "Erzincan",
	"Erzurum", "Eskişehir", "Gaziantep", "Giresun", "Gümüşhane", "Hakkari", "Hatay", "Isparta",
	"Mersin", "İstanbul", "İzmir", "Kars", "Kastamonu", "Kayseri", "Kırklareli", "Kırşehir",
	"Kocaeli", "Konya", "Kütahya", "Malatya", "Manisa", "Kahramanmaraş", "Mardin", "Muğla",
	"Muş", "Nevşehir", "Niğde", "Ordu", "Rize", "Sakarya", "Samsun", "Siirt",
	"Sinop", "Sivas", "Tekirdağ", "Tokat", "Trabzon", "Tunceli", "Şanlıurfa", "Uşak",
	"Van", "Yozgat", "Zonguldak", "Aksaray", "Bayburt", "Karaman", "Kırıkkale", "Batman",
	"Şırnak", "Bartın", "Ardahan", "Iğdır", "Yalova", "Karabük", "Kilis", "Osmaniye",
	"Düzce",
}

// aliases maps common short or historical names to their province.
var aliases = map[string]string{
	"urfa":      "Şanlıurfa",
	"maras":     "Kahramanmaraş",
	"antep":     "Gaziantep",
	"afyon":     "Afyonkarahisar",
	"icel":      "Mersin",
	"izmit":     "Kocaeli",
	"adapazari": "Sakarya",
	"antakya":   "Hatay",
}

// ambiguousCities are province names that are also everyday words ("ağrı" is pain,
// "ordu" is army); they only count when the whole message is very short.
var ambiguousCities = map[string]bool{
	"agri": true,
	"ordu": true,
	"mus":  true,
	"van":  true,
}

// citySuffixes are locative, ablative and origin suffixes tolerated after a city token.
var citySuffixes = []string{
	"da", "de", "ta", "te", "dan", "den", "tan", "ten",
	"dayim", "deyim", "tayim", "teyim", "dayiz", "deyiz",
	"li", "lu", "liyim", "luyum", "liyiz", "luyuz",
	"ya", "ye", "a", "e",
}

var cityIndex = buildCityIndex()

func buildCityIndex() map[string]string {
	idx := make(map[string]string, len(provinces)+len(aliases))
	for _, p := range provinces {
		idx[Fold(p)] = p
	}
	for k, v := range aliases {
		idx[k] = v
	}
	return idx
}

// LookupCity resolves a single folded token to a province display name.
func LookupCity(token string) (string, bool) {
	if city, ok := cityIndex[token]; ok {
		return city, true
	}
	for _, suf := range citySuffixes {
		stem, ok := strings.CutSuffix(token, suf)
		if !ok || len(stem) < 4 {
			continue
		}
		// Buffer consonants: "ankaraya" -> "ankara", "istanbulda" -> "istanbul".
		if city, ok := cityIndex[stem]; ok {
			return city, true
		}
	}
	return "", false
}

// findCity returns the first province mentioned in the folded token list.
// Ambiguous names are only accepted when allowAmbiguous is set.
func findCity(toks []string, allowAmbiguous bool) (string, bool) {
	for _, tok := range toks {
		city, ok := LookupCity(tok)
		if !ok {
			continue
		}
		if ambiguousCities[Fold(city)] && !allowAmbiguous {
			continue
		}
		return city, true
	}
	return "", false
}

// greetingPhrases are folded greeting words and two-word greeting phrases.
var greetingPhrases = map[string]bool{
	"merhaba": true, "meraba": true, "merhabalar": true, "mrb": true, "mrhb": true,
	"selam": true, "selamlar": true, "slm": true, "sa": true, "as": true,
	"selamun aleykum": true, "selamunaleykum": true, "aleykum selam": true, "aleykumselam": true,
	"selamin aleykum": true, "esselamu aleykum": true,
	"gunaydin": true, "iyi gunler": true, "iyi aksamlar": true, "iyi geceler": true,
	"hayirli gunler": true, "hayirli aksamlar": true, "hayirli sabahlar": true, "hayirli cumalar": true,
	"hey": true, "hi": true, "hello": true, "alo": true,
}

// fillerWords carry no field information on their own.
var fillerWords = map[string]bool{
	"hocam": true, "hoca": true, "kardesim": true, "kardes": true, "abi": true, "abla": true,
	"efendim": true, "nasilsin": true, "nasilsiniz": true, "naber": true, "iyiyim": true,
	"tesekkurler": true, "tesekkur": true, "ederim": true, "sagol": true, "sagolun": true,
	"tamam": true, "tamamdir": true, "evet": true, "hayir": true, "peki": true, "ok": true,
	"okey": true, "olur": true, "allah": true, "razi": true, "olsun": true, "insallah": true,
	"hos": true, "bulduk": true, "ve": true, "de": true, "da": true, "ya": true, "bir": true,
	"sey": true, "sorum": true, "var": true, "yok": true, "bilmiyorum": true, "emin": true,
	"degilim": true, "simdi": true, "bakalim": true, "aa": true, "hmm": true, "he": true,
}

// IsGreeting reports whether text consists only of greeting phrases and filler, with at
// least one greeting phrase.
func IsGreeting(text string) bool {
	toks := tokens(Fold(text))
	if len(toks) == 0 {
		return false
	}
	found := false
	for i := 0; i < len(toks); i++ {
		if i+1 < len(toks) && greetingPhrases[toks[i]+" "+toks[i+1]] {
			found = true
			i++
			continue
		}
		if greetingPhrases[toks[i]] {
			found = true
			continue
		}
		if fillerWords[toks[i]] {
			continue
		}
		return false
	}
	return found
}

// stripLeadingCourtesy drops leading greeting and filler words from raw text, keeping
// the original spelling of what remains. "Merhaba hocam, Ahmet" becomes "Ahmet".
func stripLeadingCourtesy(raw string) string {
	words := strings.Fields(raw)
	i := 0
	for i < len(words) {
		w := Fold(trimPunct(words[i]))
		if i+1 < len(words) && greetingPhrases[w+" "+Fold(trimPunct(words[i+1]))] {
			i += 2
			continue
		}
		if w == "" || greetingPhrases[w] || fillerWords[w] {
			i++
			continue
		}
		break
	}
	return strings.Join(words[i:], " ")
}

// isCourtesyOnly reports whether every token is a greeting or filler word.
func isCourtesyOnly(toks []string) bool {
	for _, t := range toks {
		if !greetingPhrases[t] && !fillerWords[t] {
			return false
		}
	}
	return true
}
