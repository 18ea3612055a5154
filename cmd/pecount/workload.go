package main

import (
	"crypto/sha256"
	"encoding/base64"
)

// workloadOutput keeps the compiler from optimizing the workload away
var workloadOutput string

// heavyWorkload hashes a seed repeatedly
func heavyWorkload(iterations int) {
	seedStr := "1sAMsDJGtS3zNrK6MfeysFvUYOzlHqtj"

	var hash string
	hashBytes := sha256.Sum256([]byte(seedStr))

	for i := 0; i < iterations; i++ {
		hash = base64.StdEncoding.EncodeToString(hashBytes[:])
		hashBytes = sha256.Sum256([]byte(hash))
	}

	workloadOutput = hash
}
