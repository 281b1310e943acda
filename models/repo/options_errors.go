package repo

import "fmt"

func errMutuallyExclusive(a, b string) error {
	return fmt.Errorf("mutually exclusive options: %s, %s", a, b)
}

func errNoRefsRequested() error {
	return fmt.Errorf("no refs or collection-refs requested")
}
