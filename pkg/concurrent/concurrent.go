package concurrent

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every element in its own goroutine and waits for all of them.
// It returns the first error encountered; the remaining actions still run to completion.
func ForEach[T any](items []T, action func(T) error) error {
	errGroup := errgroup.Group{}
	for _, item := range items {
		errGroup.Go(func() error {
			return action(item)
		})
	}
	return errGroup.Wait()
}

// ForEachJoined is like ForEach but returns every error joined together.
func ForEachJoined[T any](items []T, action func(T) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	errGroup := errgroup.Group{}
	for _, item := range items {
		errGroup.Go(func() error {
			if err := action(item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = errGroup.Wait()
	return errors.Join(errs...)
}
