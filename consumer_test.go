package pulse

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/pulse/pulsecred"
)

func newTestManager() *Manager {
	m, err := NewManager(ManagerConfig{
		Credentials:             pulsecred.Test("amqp://me:pw@127.0.0.1:1/", 0),
		MinReconnectionInterval: time.Millisecond,
		RetirementDelay:         time.Millisecond,
	})
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("ConsumerConfig", func() {
	It("requires a Manager", func() {
		err := (&ConsumerConfig{
			QueueName:     "jobs",
			Bindings:      []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage: func(ctx context.Context, msg Message) error { return nil },
		}).validate()
		Expect(err).To(HaveOccurred())
	})

	It("requires exactly one of QueueName or ExclusiveQueue", func() {
		m := newTestManager()
		defer m.Stop()

		err := (&ConsumerConfig{
			Manager:       m,
			Bindings:      []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage: func(ctx context.Context, msg Message) error { return nil },
		}).validate()
		Expect(err).To(HaveOccurred())

		err = (&ConsumerConfig{
			Manager:        m,
			QueueName:      "jobs",
			ExclusiveQueue: true,
			Bindings:       []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage:  func(ctx context.Context, msg Message) error { return nil },
		}).validate()
		Expect(err).To(HaveOccurred())
	})

	It("requires at least one Binding and a HandleMessage", func() {
		m := newTestManager()
		defer m.Stop()

		err := (&ConsumerConfig{
			Manager:       m,
			QueueName:     "jobs",
			HandleMessage: func(ctx context.Context, msg Message) error { return nil },
		}).validate()
		Expect(err).To(HaveOccurred())

		err = (&ConsumerConfig{
			Manager:   m,
			QueueName: "jobs",
			Bindings:  []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
		}).validate()
		Expect(err).To(HaveOccurred())
	})

	It("defaults Prefetch and Logger", func() {
		cfg := ConsumerConfig{
			Manager:       newTestManager(),
			QueueName:     "jobs",
			Bindings:      []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage: func(ctx context.Context, msg Message) error { return nil },
		}
		defer cfg.Manager.Stop()

		Expect(cfg.validate()).NotTo(HaveOccurred())
		Expect(cfg.Prefetch).To(Equal(DefaultPrefetch))
		Expect(cfg.Logger).NotTo(BeNil())
	})
})

var _ = Describe("Consume", func() {
	It("can be started and stopped against a manager with no active connection", func() {
		m := newTestManager()
		defer m.Stop()

		c, err := Consume(ConsumerConfig{
			Manager:   m,
			QueueName: "jobs",
			Bindings:  []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage: func(ctx context.Context, msg Message) error {
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())

		c.Stop()
	})

	It("mints a fresh slug for an exclusive queue on every call", func() {
		m := newTestManager()
		defer m.Stop()

		c, err := Consume(ConsumerConfig{
			Manager:        m,
			ExclusiveQueue: true,
			Bindings:       []Binding{{Exchange: "x", RoutingKeyPattern: "a.#"}},
			HandleMessage: func(ctx context.Context, msg Message) error {
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())
		defer c.Stop()

		first := c.queueName()
		second := c.queueName()
		Expect(first).NotTo(Equal(second))
	})
})

var _ = Describe("extractRoutes", func() {
	It("strips the route. prefix from CC header entries", func() {
		headers := amqp.Table{"CC": []interface{}{"route.a", "route.b", "other"}}
		Expect(extractRoutes(headers)).To(Equal([]string{"a", "b"}))
	})

	It("returns nil when there is no CC header", func() {
		Expect(extractRoutes(amqp.Table{})).To(BeNil())
	})
})

var _ = Describe("buildMessage", func() {
	var c *Consumer

	BeforeEach(func() {
		c = &Consumer{
			cfg: ConsumerConfig{
				Bindings: []Binding{
					{
						Exchange: "jobs",
						RoutingKeyReference: []KeyPart{
							{Name: "kind"},
							{Name: "action"},
						},
					},
				},
			},
		}
	})

	It("rejects a non-JSON body", func() {
		_, err := c.buildMessage(amqp.Delivery{Exchange: "jobs", RoutingKey: "a.b", Body: []byte("not json")})
		Expect(err).To(HaveOccurred())
	})

	It("parses the routing key when the matching binding has a reference", func() {
		body, _ := json.Marshal(map[string]string{"hello": "world"})
		msg, err := c.buildMessage(amqp.Delivery{Exchange: "jobs", RoutingKey: "build.started", Body: body})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Routing).To(Equal(map[string]string{"kind": "build", "action": "started"}))
	})

	It("leaves Routing nil when the exchange has no reference", func() {
		body, _ := json.Marshal(map[string]string{"hello": "world"})
		msg, err := c.buildMessage(amqp.Delivery{Exchange: "other", RoutingKey: "whatever", Body: body})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Routing).To(BeNil())
	})
})
