package usecase

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FallbackCategory classifies a message when no generated reply is available.
type FallbackCategory string

const (
	CategoryHumanHandoff FallbackCategory = "human_handoff"
	CategoryPricing      FallbackCategory = "pricing_inquiry"
	CategoryProduct      FallbackCategory = "product_inquiry"
	CategoryGreeting     FallbackCategory = "greeting"
	CategoryGeneric      FallbackCategory = "generic"
)

type fallbackRule struct {
	category FallbackCategory
	keywords []string
	reply    string
}

// fallbackRules is evaluated in order; the first matching rule wins. A user
// asking for a person outranks everything, and a price question about a
// course is answered as pricing.
var fallbackRules = []fallbackRule{
	{
		category: CategoryHumanHandoff,
		keywords: []string{
			"asesor", "asesora", "humano", "hablar con una persona", "persona real", "agente", "operador", "hablar con",
			"llamar", "llamada", "llamame", "telefono", "human", "agent", "representative",
			"operator", "talk to", "call me",
		},
		reply: "Te pongo en contacto con una persona de nuestro equipo. Un asesor te escribirá por este mismo chat lo antes posible.",
	},
	{
		category: CategoryPricing,
		keywords: []string{
			"precio", "precios", "cuesta", "cuestan", "cuanto vale", "cuanto sale", "coste", "costo", "tarifa",
			"pagar", "pago", "plazos", "descuento", "beca", "financiacion", "price", "prices",
			"cost", "fee", "fees", "discount",
		},
		reply: "Nuestros cursos van desde 129 € y admiten pago fraccionado. Dime qué curso te interesa y te paso el precio exacto y las promociones vigentes.",
	},
	{
		category: CategoryProduct,
		keywords: []string{
			"curso", "cursos", "programa", "temario", "modulo", "modulos", "clase", "clases",
			"certificado", "inscripcion", "inscribirme", "matricula", "nivel", "horario",
			"course", "courses", "syllabus", "class", "classes", "enroll", "level",
		},
		reply: "Tenemos cursos de programación, datos, cloud y desarrollo web en niveles principiante, intermedio y avanzado. ¿Qué tema y nivel te interesan?",
	},
	{
		category: CategoryGreeting,
		keywords: []string{
			"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches", "saludos",
			"hello", "hi", "hey", "good morning", "good afternoon",
		},
		reply: "¡Hola! Soy el asistente de cursos. Puedo ayudarte a encontrar el curso ideal, contarte precios o ponerte en contacto con un asesor. ¿En qué te ayudo?",
	},
}

const genericFallbackReply = "Gracias por tu mensaje. En este momento no puedo darte una respuesta completa; un asesor revisará tu consulta y te responderá en breve."

// Fallback returns the category and canned reply for text. It has no
// dependencies and always returns a non-empty reply.
func Fallback(text string) (FallbackCategory, string) {
	normalized := " " + normalizeForMatch(text) + " "
	for _, rule := range fallbackRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, " "+kw+" ") {
				return rule.category, rule.reply
			}
		}
	}
	return CategoryGeneric, genericFallbackReply
}

// normalizeForMatch lowercases, drops accents and collapses punctuation to
// single spaces so keywords match on word boundaries.
func normalizeForMatch(text string) string {
	// Chained transformers keep state, so one is built per call.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
