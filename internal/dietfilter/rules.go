package dietfilter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"diet-report/internal/models"
)

// rule excludes every food whose category is one of categories, or whose
// name or category contains one of terms.
type rule struct {
	name       string
	categories []string
	terms      []string
}

var allergenRules = map[string]rule{
	"dairy": {
		name:       "dairy",
		categories: []string{"dairy"},
		terms:      []string{"dairy", "milk", "butter", "cheese", "cheddar", "ghee", "cream", "yogurt", "kefir", "whey", "casein"},
	},
	"eggs": {
		name:       "eggs",
		categories: []string{"eggs"},
		terms:      []string{"eggs", "egg white", "yolk", "mayonnaise"},
	},
	"fish": {
		name:       "fish",
		categories: []string{"fish"},
		terms:      []string{"fish", "salmon", "sardine", "mackerel", "cod", "tuna", "trout", "anchov"},
	},
	"shellfish": {
		name:       "shellfish",
		categories: []string{"shellfish"},
		terms:      []string{"shellfish", "shrimp", "prawn", "crab", "lobster", "mussel", "oyster", "scallop", "clam"},
	},
	"tree nuts": {
		name:       "tree nuts",
		categories: []string{"tree nut"},
		terms:      []string{"almond", "walnut", "cashew", "pecan", "pistachio", "hazelnut", "macadamia"},
	},
	"peanuts": {
		name:  "peanuts",
		terms: []string{"peanut"},
	},
	"soy": {
		name:       "soy",
		categories: []string{"soy"},
		terms:      []string{"soy", "tofu", "tempeh", "edamame"},
	},
	"gluten": {
		name:       "gluten",
		categories: []string{"wheat"},
		terms:      []string{"wheat", "bread", "seitan", "barley", "rye", "pasta", "couscous", "oats"},
	},
	"sesame": {
		name:       "sesame",
		categories: []string{"seed"},
		terms:      []string{"sesame", "tahini"},
	},
	"beef": {
		name:       "beef",
		categories: []string{"beef"},
		terms:      []string{"beef", "steak", "brisket"},
	},
	"pork": {
		name:       "pork",
		categories: []string{"pork"},
		terms:      []string{"pork", "bacon", "lard", "prosciutto"},
	},
	"poultry": {
		name:       "poultry",
		categories: []string{"poultry"},
		terms:      []string{"chicken", "turkey", "duck"},
	},
	"nightshades": {
		name:       "nightshades",
		categories: []string{"nightshade"},
		terms:      []string{"tomato", "pepper", "eggplant", "paprika"},
	},
}

// allergenAliases maps what people type to a canonical rule.
var allergenAliases = map[string]string{
	"dairy": "dairy", "milk": "dairy", "lactose": "dairy", "cheese": "dairy",
	"egg": "eggs", "eggs": "eggs",
	"fish": "fish", "seafood": "fish",
	"shellfish": "shellfish", "crustacean": "shellfish", "crustaceans": "shellfish",
	"nuts": "tree nuts", "nut": "tree nuts", "tree nut": "tree nuts", "tree nuts": "tree nuts",
	"peanut": "peanuts", "peanuts": "peanuts",
	"soy": "soy", "soya": "soy",
	"gluten": "gluten", "wheat": "gluten", "celiac": "gluten", "coeliac": "gluten",
	"sesame": "sesame",
	"beef": "beef", "red meat": "beef", "alpha-gal": "beef",
	"pork": "pork",
	"poultry": "poultry", "chicken": "poultry",
	"nightshade": "nightshades", "nightshades": "nightshades",
}

// "seafood" also covers shellfish.
var aliasExtras = map[string][]string{
	"seafood": {"shellfish"},
}

// Answers that mean "nothing to exclude".
var noneAnswers = map[string]bool{
	"none": true, "no": true, "n/a": true, "na": true, "nothing": true, "-": true, "nope": true,
}

// Tokenize splits free text on commas and semicolons, lowercases and trims
// each token and drops empty or explicit "none" answers.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		tok := strings.ToLower(strings.Join(strings.Fields(f), " "))
		if tok == "" || noneAnswers[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Exclusions is the union of every allergen rule and restriction token that
// applies to one request.
type Exclusions struct {
	rules  []rule
	tokens []string
}

// NewExclusions resolves allergy and restriction text. An allergy token with
// no matching rule is kept as a plain restriction token.
func NewExclusions(allergies, restrictions string) Exclusions {
	var e Exclusions
	seenRule := map[string]bool{}
	seenTok := map[string]bool{}
	addRule := func(name string) {
		if !seenRule[name] {
			seenRule[name] = true
			e.rules = append(e.rules, allergenRules[name])
		}
	}
	addToken := func(tok string) {
		if !seenTok[tok] {
			seenTok[tok] = true
			e.tokens = append(e.tokens, tok)
		}
	}

	for _, tok := range Tokenize(allergies) {
		key := strings.TrimSuffix(tok, " allergy")
		canonical, ok := allergenAliases[key]
		if !ok {
			addToken(key)
			continue
		}
		addRule(canonical)
		for _, extra := range aliasExtras[key] {
			addRule(extra)
		}
	}
	for _, tok := range Tokenize(restrictions) {
		addToken(tok)
	}
	return e
}

// Empty reports whether nothing is excluded.
func (e Exclusions) Empty() bool {
	return len(e.rules) == 0 && len(e.tokens) == 0
}

// Match returns the reason f is excluded, or "" when it is admissible.
func (e Exclusions) Match(f models.Food) string {
	name := strings.ToLower(f.Name)
	category := strings.ToLower(f.Category)
	for _, r := range e.rules {
		for _, c := range r.categories {
			if category == c {
				return r.name + " allergy"
			}
		}
		for _, term := range r.terms {
			if strings.Contains(name, term) || strings.Contains(category, term) {
				return r.name + " allergy"
			}
		}
	}
	for _, tok := range e.tokens {
		if strings.Contains(name, tok) || strings.Contains(category, tok) {
			return "restriction: " + tok
		}
	}
	return ""
}

// Mentions returns why text names something excluded, or "" when it does
// not. A term matches at the start of a word, so "salt" finds "salted" but
// "red" does not find "prepared".
func (e Exclusions) Mentions(text string) string {
	if e.Empty() {
		return ""
	}
	text = strings.ToLower(text)
	for _, r := range e.rules {
		for _, term := range r.terms {
			if mentionsWord(text, term) {
				return r.name + " allergy (" + term + ")"
			}
		}
	}
	for _, tok := range e.tokens {
		if mentionsWord(text, tok) {
			return "restriction: " + tok
		}
	}
	return ""
}

func mentionsWord(text, term string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		i += from
		if prev, _ := utf8.DecodeLastRuneInString(text[:i]); i == 0 || !unicode.IsLetter(prev) {
			return true
		}
		from = i + 1
	}
}

// Tokens returns the free-text restriction tokens in effect.
func (e Exclusions) Tokens() []string {
	return append([]string(nil), e.tokens...)
}

// Allergens returns the canonical allergen rules in effect.
func (e Exclusions) Allergens() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.name)
	}
	return out
}
