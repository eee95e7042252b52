// Package spire is a client for the spire.io HTTP publish/subscribe service.
//
// A Client discovers the service's resources, creates a single session per
// instance and queues every operation issued while that session is being
// created. Channels and subscriptions are resolved by name through the
// session, and a Listener drives the long-poll loop of a subscription,
// delivering messages in cursor order to registered callbacks.
//
//	c, err := spire.New(spire.WithKey(key))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	msg, err := c.Publish(ctx, "updates", "hello")
//
//	sub, err := c.FindOrCreateSubscription(ctx, spire.SubscriptionSpec{
//		Name:     "worker",
//		Channels: []string{"updates"},
//	})
//	l := c.Listen(sub)
//	l.AddListener(spire.EventMessage, func(ctx context.Context, ev spire.Event) error {
//		fmt.Println(ev.Message.Text())
//		return nil
//	})
//	err = l.Start(ctx)
//
// Poll errors pause a listener until Resume is called, unless the client was
// built with WithPollErrorPolicy(PollErrorRetry).
package spire
