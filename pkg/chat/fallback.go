package chat

import (
	"fmt"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
)

// fallbackRabbis is the fixed persona set used when the remote list is
// unreachable. Kept small and stable so offline mode is predictable.
var fallbackRabbis = []api.Rabbi{
	{
		ID:          "rashi",
		Name:        "Rashi",
		DisplayName: "Rashi (Rabbi Shlomo Yitzchaki)",
		Era:         "Medieval (1040-1105)",
		Description: "Master commentator on Tanach and Talmud, known for concise pshat explanations.",
		Specialties: []string{"Chumash", "Talmud", "Pshat"},
	},
	{
		ID:          "rambam",
		Name:        "Rambam",
		DisplayName: "Rambam (Maimonides)",
		Era:         "Medieval (1138-1204)",
		Description: "Codifier and philosopher, author of the Mishneh Torah and Guide for the Perplexed.",
		Specialties: []string{"Halacha", "Philosophy", "Mishneh Torah"},
	},
	{
		ID:          "ramban",
		Name:        "Ramban",
		DisplayName: "Ramban (Nachmanides)",
		Era:         "Medieval (1194-1270)",
		Description: "Commentator and kabbalist, known for weaving pshat with deeper meaning.",
		Specialties: []string{"Chumash", "Kabbalah", "Disputation"},
	},
	{
		ID:          "baal-shem-tov",
		Name:        "Baal Shem Tov",
		DisplayName: "The Baal Shem Tov",
		Era:         "Modern (1698-1760)",
		Description: "Founder of Chassidut, teaching joy and divine presence in everyday life.",
		Specialties: []string{"Chassidut", "Prayer", "Stories"},
	},
}

// fallbackEchoLimit caps how much of the user's text a simulated reply
// echoes back.
const fallbackEchoLimit = 140

// simulatedReply builds the clearly labeled offline response for a send that
// could not reach the real assistant.
func simulatedReply(rabbiName, userText string) string {
	if rabbiName == "" {
		rabbiName = "your chavrusa"
	}
	echo := userText
	if len(echo) > fallbackEchoLimit {
		echo = echo[:fallbackEchoLimit]
	}
	return fmt.Sprintf(
		"[Simulated response] %s would love to discuss %q with you, but the study hall is unreachable right now. Please try again once you are back online.",
		rabbiName, echo,
	)
}

// rabbiName resolves a persona id to its display name against a list,
// falling back to the id itself.
func rabbiName(rabbis []api.Rabbi, id string) string {
	for _, r := range rabbis {
		if r.ID == id {
			if r.Name != "" {
				return r.Name
			}
			return r.DisplayName
		}
	}
	return id
}
