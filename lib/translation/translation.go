package translation

import (
	"strings"

	"github.com/leonelquinteros/gotext"
)

// Configure loads the po files of lang from dir. Locale names such as
// en_US.UTF-8 are reduced to their language part.
func Configure(dir, lang string) {
	gotext.Configure(dir, normalize(lang), "default")
}

func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "._@"); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" || lang == "c" || lang == "posix" {
		return "en"
	}
	return lang
}

func GetLanguage() string {
	lang := gotext.GetLanguage()

	if lang == "und" || lang == "" {
		return "en"
	}

	return lang
}

func Translate(msgID string, vars ...interface{}) string {
	return gotext.Get(msgID, vars...)
}
