package provider

import "os"

func removeQuiet(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
