package utils

func Contains(needle string, haystack []string) bool {
	for _, entry := range haystack {
		if entry == needle {
			return true
		}
	}
	return false
}
