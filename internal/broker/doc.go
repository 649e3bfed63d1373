// Package broker adapts github.com/rabbitmq/amqp091-go to the narrow
// Connection and Channel interfaces the streaming core and the one-shot
// operations depend on, and classifies broker failures into the rabbitscope
// error taxonomy.
package broker
