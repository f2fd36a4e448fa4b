package instrument

import "context"

// The wrappers below never recover. A panic from the original unwinds through
// the deferred exit, which records it as a failure, and continues to the host
// with its original value and stack.

func wrapHandler(orig Handler, c *Component) Handler {
	return func(ctx context.Context, ev Event) (err error) {
		start := c.enter()
		panicked := true
		defer func() { c.exit(start, err, panicked) }()

		err = orig(ctx, ev)
		panicked = false
		return err
	}
}

func wrapTask(orig Task, c *Component) Task {
	return func(ctx context.Context) (err error) {
		start := c.enter()
		panicked := true
		defer func() { c.exit(start, err, panicked) }()

		err = orig(ctx)
		panicked = false
		return err
	}
}

func wrapCommand(orig Command, c *Component) Command {
	return func(ctx context.Context, sender string, args []string) (err error) {
		start := c.enter()
		panicked := true
		defer func() { c.exit(start, err, panicked) }()

		err = orig(ctx, sender, args)
		panicked = false
		return err
	}
}
