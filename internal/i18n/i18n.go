// Package i18n selects the message printer used for command-line output.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for an
// Accept-Language style list.
func MatchLanguage(accept string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(accept)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewCLIPrinter returns a printer for the locale in LC_ALL or LANG.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(envLanguage(os.Getenv("LC_ALL"), os.Getenv("LANG")))
}

func envLanguage(vars ...string) language.Tag {
	for _, lang := range vars {
		if lang == "" || lang == "C" || lang == "POSIX" {
			continue
		}
		// "en_US.UTF-8" -> "en_US"
		if i := strings.IndexAny(lang, ".@"); i != -1 {
			lang = lang[:i]
		}
		tag, err := language.Parse(lang)
		if err != nil {
			return MatchLanguage(lang)
		}
		tag, _, _ = matcher.Match(tag)
		return tag
	}
	return DefaultLang
}
