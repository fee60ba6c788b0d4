package main

import "unicode"

func isValidPlayerID(playerID string) bool {
	return isValidIdentifier(playerID, 64)
}

func isValidUpgradeID(upgradeID string) bool {
	return isValidIdentifier(upgradeID, 48)
}

func isValidIdentifier(id string, maxLen int) bool {
	if id == "" || len(id) > maxLen {
		return false
	}

	for _, r := range id {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}
