package httpapi

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/xraph/tally/plan"
)

// User-visible messages. The English text is the catalog key.
const (
	msgMissingToken  = "Missing identity token."
	msgAuthFailed    = "Authentication failed."
	msgSignOutFailed = "Could not sign out. Please try again."
	msgSignInAgain   = "Your session has expired. Please sign in again."
	msgQuotaExceeded = "You have used all of your %s for this plan. Upgrade to continue."
	msgCompleted     = "Request completed."
	msgWorkFailed    = "Something went wrong. Please try again."
	msgUnavailable   = "The service is temporarily unavailable. Please try again shortly."
	msgInvalidFields = "Please correct the highlighted fields."
	msgInvalidInput  = "Invalid request."
	msgNoBilling     = "Billing is not configured."
	msgCheckoutError = "Could not start checkout."

	labelMealPlans = "meal plans"
	labelRecipes   = "recipes"
)

var supportedLanguages = []language.Tag{language.English, language.Spanish}

var languageMatcher = language.NewMatcher(supportedLanguages)

var messages = buildCatalog()

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))

	es := map[string]string{
		msgMissingToken:  "Falta el token de identidad.",
		msgAuthFailed:    "La autenticación falló.",
		msgSignOutFailed: "No se pudo cerrar la sesión. Inténtalo de nuevo.",
		msgSignInAgain:   "Tu sesión ha expirado. Vuelve a iniciar sesión.",
		msgQuotaExceeded: "Has usado todos tus %s de este plan. Mejora tu plan para continuar.",
		msgCompleted:     "Solicitud completada.",
		msgWorkFailed:    "Algo salió mal. Inténtalo de nuevo.",
		msgUnavailable:   "El servicio no está disponible temporalmente. Inténtalo de nuevo en breve.",
		msgInvalidFields: "Corrige los campos marcados.",
		msgInvalidInput:  "Solicitud no válida.",
		msgNoBilling:     "La facturación no está configurada.",
		msgCheckoutError: "No se pudo iniciar el pago.",
		labelMealPlans:   "planes de comida",
		labelRecipes:     "recetas",
	}
	for key, text := range es {
		if err := b.SetString(language.English, key, key); err != nil {
			panic(err)
		}
		if err := b.SetString(language.Spanish, key, text); err != nil {
			panic(err)
		}
	}
	return b
}

// printerFor returns a printer for the best supported match of the
// request's Accept-Language header.
func printerFor(r *http.Request) *message.Printer {
	tag := language.English
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		_, idx := language.MatchStrings(languageMatcher, accept)
		tag = supportedLanguages[idx]
	}
	return message.NewPrinter(tag, message.Catalog(messages))
}

// featureLabel returns the localized plural name of feature.
func featureLabel(p *message.Printer, feature string) string {
	switch feature {
	case plan.FeatureMealPlan:
		return p.Sprintf(labelMealPlans)
	case plan.FeatureRecipe:
		return p.Sprintf(labelRecipes)
	default:
		return feature
	}
}
