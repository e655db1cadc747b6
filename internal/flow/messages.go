package flow

import "fmt"

// User-facing guidance. The deployment audience reads Hindi.
const (
	msgInputNotFound    = "चैट इनपुट नहीं मिला। कृपया दोबारा प्रयास करें।"
	msgDiseCodeNotFound = "उपयोगकर्ता का DISE कोड नहीं मिला। कृपया जांच करें।"

	// msgWalkFailed is sent when a walk cannot continue for reasons the user
	// cannot fix.
	msgWalkFailed = "Something went wrong. Please try again later."
)

func msgInputUnderRange(input string, min int) string {
	return fmt.Sprintf("इनपुट संख्या बहुत छोटी है। आपका इनपुट: %s, न्यूनतम आवश्यक: %d", input, min)
}

func msgInputOverRange(input string, max int) string {
	return fmt.Sprintf("इनपुट संख्या बहुत बड़ी है। आपका इनपुट: %s, अधिकतम अनुमति: %d", input, max)
}

func msgNoMatchingOption(input string) string {
	return fmt.Sprintf("कोई मिलता विकल्प नहीं मिला। आपका इनपुट: %s", input)
}

func msgNumberRequired(input string) string {
	return fmt.Sprintf("कृपया केवल संख्या दर्ज करें। आपका इनपुट: %s", input)
}

func msgNodeNotFound(nodeID string) string {
	return fmt.Sprintf("नोड नहीं मिला। नोड आईडी: %s", nodeID)
}

func msgEdgeNotFound(nodeID, handle string) string {
	return fmt.Sprintf("कनेक्शन नहीं मिला। नोड आईडी: %s, स्रोत हैंडल: %s", nodeID, handle)
}

// Command replies.
const (
	helpText = "Available commands:\n\n" +
		"*/help* - Show this help message\n\n" +
		"*/levels* - List all available levels\n\n" +
		"*/level-<number>* - Switch to a specific level (e.g. `/level-1`)"

	levelsHeader = "To switch to a level, use the command /level-<level-id>, example: /level-1"
	cleanReply   = "Your account data has been deleted."
)
