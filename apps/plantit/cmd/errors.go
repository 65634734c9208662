package cmd

import (
	"errors"
	"log"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
)

// exitIfError prints err with a hint for the common failure kinds and
// exits.
func exitIfError(err error) {
	if err == nil {
		return
	}
	var verr *flow.ValidationError
	switch {
	case errors.As(err, &verr):
		log.Printf("❌ workflow configuration is invalid:")
		for _, issue := range verr.Issues {
			log.Printf("   - %s", issue)
		}
		log.Fatalf("fix the issues above and retry")
	case perr.IsCode(err, perr.CodeNotFound):
		log.Fatalf("not found: %v (run 'plantit agents sync' to load agents from plantit.yaml)", err)
	default:
		log.Fatalf("%v", err)
	}
}
