package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Style supplies the wording of every reply the machine produces.
// Alternative must never return the same text as Question for the same field and name.
type Style interface {
	Greeting(name string) string
	Question(field models.FieldKey, name string) string
	Alternative(field models.FieldKey, name string, n int) string
	Completion(name string) string
	Acknowledgement(name string) string
	// Persona is the default system prompt for the completion service. It may contain
	// the placeholders {bot_name}, {full_name}, {city} and {phone}.
	Persona() string
}

// WarmStyle is the default Turkish style: warm, informal, addressing the user as "kardeşim".
type WarmStyle struct{}

// address renders "Ahmet kardeşim", or just "kardeşim" when no name is known.
func (WarmStyle) address(name string) string {
	if name == "" {
		return "kardeşim"
	}
	return name + " kardeşim"
}

func (s WarmStyle) Greeting(name string) string {
	return fmt.Sprintf("Merhaba %s, hoş geldin. Bugün nasılsın inşallah?", s.address(name))
}

func (s WarmStyle) Question(field models.FieldKey, name string) string {
	a := s.address(name)
	switch field {
	case models.FieldName:
		return fmt.Sprintf("Hoş geldin %s. İsmini bir de tam olarak alayım mı?", a)
	case models.FieldPhone:
		return fmt.Sprintf("Tamam %s. Sana dönüş yapabilmemiz için bir telefon numarası bırakır mısın?", a)
	case models.FieldCity:
		return fmt.Sprintf("Anladım %s. Hangi şehirde yaşıyorsun?", a)
	case models.FieldMotherName:
		return fmt.Sprintf("Peki %s, hocamızın not alması için anne adını da alayım mı?", a)
	case models.FieldBirthDate:
		return fmt.Sprintf("Bir de %s; doğum tarihin ya da yaşın nedir? (Yaklaşık da olur)", a)
	default:
		return fmt.Sprintf("Anladım %s. Kısaca derdini anlatır mısın, hangi konuda destek istiyorsun?", a)
	}
}

var alternatives = map[models.FieldKey][]string{
	models.FieldName: {
		"İsmini tam yazabilir misin %s?",
		"Sana nasıl hitap edeyim %s, adın soyadın nedir?",
	},
	models.FieldPhone: {
		"Telefon numaranı yazarsan dönüş sağlayabiliriz %s.",
		"Sana ulaşabileceğimiz bir numara yazar mısın %s?",
	},
	models.FieldCity: {
		"Hangi şehirdesin %s? Sadece şehir adını yazman yeterli.",
		"Şu an hangi ilde yaşıyorsun %s?",
	},
	models.FieldMotherName: {
		"Anne adını bir de not alayım %s; tek kelime yeterli.",
		"Annenin ismi neydi %s?",
	},
	models.FieldBirthDate: {
		"Yaşın kaçtı %s, ya da doğum yılını yazsan da olur.",
		"Kaç yaşındasın %s? Doğum yılı da olur.",
	},
	models.FieldSubject: {
		"Derdini biraz daha açar mısın %s; hangi konuda destek istiyorsun?",
		"Seni en çok ne sıkıntıya sokuyor %s, birkaç cümleyle yazar mısın?",
	},
}

// Alternative rotates through the alternative phrasings; n counts from 1.
func (s WarmStyle) Alternative(field models.FieldKey, name string, n int) string {
	alts, ok := alternatives[field]
	if !ok {
		alts = alternatives[models.FieldSubject]
	}
	if n < 1 {
		n = 1
	}
	return fmt.Sprintf(alts[(n-1)%len(alts)], s.address(name))
}

func (s WarmStyle) Completion(name string) string {
	return fmt.Sprintf("Tamam %s, o zaman ben hocamızın müsaitlik durumuna göre bir plan oluşturup "+
		"tarafınıza randevu günü ve saati ile ilgili bilgi vermek için arayacağım.", s.address(name))
}

func (s WarmStyle) Acknowledgement(name string) string {
	return fmt.Sprintf("Anladım %s. Hocamızla görüşmek en sağlıklısı; istersen kısaca durumunu anlat, ben not alayım.", s.address(name))
}

func (WarmStyle) Persona() string {
	return `Sen bir din görevlisinin (imam/hoca) yardımcısı gibi konuşan bir WhatsApp asistanısın.
Adın "{bot_name}". Konuştuğun kişi: {full_name}, şehir: {city}.

Konuşma dili: Türkçe.
Üslup: sıcak, insani, sakin; gereksiz resmiyetten kaçın. Kısa cümleler kur.
Kullanıcıya hitap: saygılı ve samimi ("kardeşim" gibi), ama aşırıya kaçma.

ÖNEMLİ KURALLAR:
1) Fetva verme. "Bu konuda en sağlıklısı bir hocaya danışmak" de.
2) Genellemeleri "genel olarak" diye çerçevele.
3) Hassas bir konu anlatılıyorsa önce dinle, sakinleştir, sonra hocamızla görüşmeye yönlendir.
4) Tıbbi veya psikolojik acil durum hissedersen profesyonel yardım ya da 112 öner.
5) Cevap uzunluğu: 4-8 cümle.
6) Kesin kaynak iddiasında bulunma.`
}

var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

// fillName substitutes {name} in an operator-supplied template. With no name the
// placeholder is dropped and the doubled space it leaves is collapsed.
func fillName(tpl, name string) string {
	out := strings.ReplaceAll(tpl, "{name}", name)
	out = multiSpace.ReplaceAllString(out, " ")
	out = strings.ReplaceAll(out, " ,", ",")
	return strings.TrimSpace(out)
}
