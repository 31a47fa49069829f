package scraper

import "strings"

// ErrorClass is the coarse category of an adapter failure.
type ErrorClass string

const (
	ErrorAuth   ErrorClass = "auth"
	ErrorScrape ErrorClass = "scrape"
)

var authErrorTypes = map[string]bool{
	"INVALID_PASSWORD": true,
	"CHANGE_PASSWORD":  true,
	"ACCOUNT_BLOCKED":  true,
	"INVALID_OTP":      true,
}

var authPhrases = []string{
	"invalid password",
	"wrong password",
	"invalid credentials",
	"login failed",
	"authentication",
	"סיסמה",
	"פרטי הזדהות",
}

var noDataPhrases = []string{
	"no transactions",
	"no data",
	"no results",
	"לא נמצאו",
	"אין נתונים",
	"אין תנועות",
}

// Classify maps an adapter error type and message to an ErrorClass.
func Classify(errorType, message string) ErrorClass {
	if authErrorTypes[strings.ToUpper(strings.TrimSpace(errorType))] {
		return ErrorAuth
	}
	lower := strings.ToLower(message)
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return ErrorAuth
		}
	}
	return ErrorScrape
}

// IsNoData reports whether an adapter failure only means the window had
// no activity.
func IsNoData(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range noDataPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
