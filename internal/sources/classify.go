package sources

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ppiankov/pepref/internal/model"
)

var (
	controlledPattern    = regexp.MustCompile(`(?i)\b(randomi[sz]ed|randomly assigned|placebo[- ]controlled|placebo|double[- ]blind(ed)?|single[- ]blind(ed)?)\b`)
	observationalPattern = regexp.MustCompile(`(?i)\b(cohort|case[- ]control|cross[- ]sectional|retrospective|prospective|case (report|series)|registry|patients|participants|volunteers)\b`)
	humanPattern         = regexp.MustCompile(`(?i)\b(humans?|patients|participants|volunteers|subjects|adults|children|men|women)\b`)
	animalPattern        = regexp.MustCompile(`(?i)\b(rats?|mouse|mice|murine|porcine|pigs?|rabbits?|dogs?|canine|rodents?|animals?|zebrafish|primates?)\b`)
	inVitroPattern       = regexp.MustCompile(`(?i)\b(in vitro|cell lines?|cultured|cell cultures?|fibroblasts|keratinocytes|hepatocytes)\b`)
)

// InferCategory classifies a record from its free text. Animal wording
// without any human wording wins over trial wording, so "rats were
// randomized" is an animal study.
func InferCategory(text string) model.Category {
	animal := animalPattern.MatchString(text)
	human := humanPattern.MatchString(text)

	switch {
	case animal && !human:
		return model.CategoryAnimalModel
	case controlledPattern.MatchString(text):
		return model.CategoryControlledHumanTrial
	case observationalPattern.MatchString(text):
		return model.CategoryObservationalHuman
	case animal:
		return model.CategoryAnimalModel
	case inVitroPattern.MatchString(text):
		return model.CategoryInVitro
	}
	return model.CategoryUnknown
}

// categoryFromPublicationTypes maps PubMed publication types. It returns
// false when no type is decisive.
func categoryFromPublicationTypes(types []string) (model.Category, bool) {
	observational := false
	for _, t := range types {
		lt := strings.ToLower(strings.TrimSpace(t))
		switch {
		case lt == "randomized controlled trial",
			lt == "controlled clinical trial",
			lt == "clinical trial",
			strings.HasPrefix(lt, "clinical trial, phase"),
			lt == "pragmatic clinical trial",
			lt == "equivalence trial":
			return model.CategoryControlledHumanTrial, true
		case lt == "observational study", lt == "case reports":
			observational = true
		}
	}
	if observational {
		return model.CategoryObservationalHuman, true
	}
	return "", false
}

// categoryFromMesh uses the check tags PubMed indexers assign
func categoryFromMesh(headings []string) (model.Category, bool) {
	animals, humans := false, false
	for _, h := range headings {
		switch strings.ToLower(h) {
		case "animals":
			animals = true
		case "humans":
			humans = true
		}
	}
	if animals && !humans {
		return model.CategoryAnimalModel, true
	}
	return "", false
}

var (
	nEqualsPattern   = regexp.MustCompile(`(?i)\bn\s*=\s*(\d{1,3}(?:,\d{3})+|\d+)`)
	countNounPattern = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)\s+(?:(?:healthy|adult|elderly|male|female|obese|eligible|consecutive)\s+)?(?:participants|patients|subjects|volunteers|individuals|adults|men|women|children)\b`)
)

// maxPlausibleSample guards against years and identifiers read as counts
const maxPlausibleSample = 500000

// ParseSampleSize extracts the largest participant count stated in text.
// It returns 0 when no count is found.
func ParseSampleSize(text string) int {
	best := 0
	for _, re := range []*regexp.Regexp{nEqualsPattern, countNounPattern} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if err != nil || n <= 0 || n > maxPlausibleSample {
				continue
			}
			if n > best {
				best = n
			}
		}
	}
	return best
}

var (
	safetyNegation  = regexp.MustCompile(`(?i)\b(no|without) (serious |significant |major )?(adverse|side) (events?|effects?|reactions?)\b`)
	noEffectPattern = regexp.MustCompile(`(?i)\b(no (statistically )?significant|not significantly|did not (improve|reduce|differ|change|affect|show)|no difference|no effect|failed to|was not associated|were not associated|comparable to placebo|similar to placebo)\b`)
	harmPattern     = regexp.MustCompile(`(?i)\b(increased (mortality|risk)|worsen(ed|ing)?|harmful|serious adverse|toxicity|hepatotoxic|nephrotoxic|deleterious)\b`)
	benefitPattern  = regexp.MustCompile(`(?i)\b(significantly (improved|reduced|increased|enhanced|decreased)|improve[ds]?|improvement|reduced|beneficial|effective|efficacious|promoted|accelerated|enhanced|attenuated|protective)\b`)
)

// InferOutcome reads the direction of a result from conclusion text
func InferOutcome(conclusion string) model.Outcome {
	text := safetyNegation.ReplaceAllString(conclusion, " ")
	switch {
	case strings.TrimSpace(text) == "":
		return model.OutcomeUnknown
	case noEffectPattern.MatchString(text):
		return model.OutcomeNoEffect
	case harmPattern.MatchString(text):
		return model.OutcomeHarm
	case benefitPattern.MatchString(text):
		return model.OutcomeBenefit
	}
	return model.OutcomeUnknown
}
