/*
Copyright 2025 The llm-d-request-scheduler Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

var randomGenerator *rand.Rand
var randMutex sync.Mutex

func InitRandom(seed int64) {
	src := rand.NewSource(seed)
	randomGenerator = rand.New(src)
	uuid.SetRand(randomGenerator)
}

// Returns an integer between min and max (included)
func RandomInt(min int, max int) int {
	randMutex.Lock()
	defer randMutex.Unlock()
	return randomGenerator.Intn(max-min+1) + min
}

// Returns a random float64 in the range [min, max)
func RandomFloat(min float64, max float64) float64 {
	randMutex.Lock()
	defer randMutex.Unlock()
	return randomGenerator.Float64()*(max-min) + min
}

// Shuffle pseudo-randomizes the order of n elements using the seeded
// generator, so shuffles are reproducible given the same seed
func Shuffle(n int, swap func(i, j int)) {
	randMutex.Lock()
	defer randMutex.Unlock()
	randomGenerator.Shuffle(n, swap)
}

// GenerateUUIDString generates a UUID string under a lock
func GenerateUUIDString() string {
	randMutex.Lock()
	defer randMutex.Unlock()
	return uuid.NewString()
}
