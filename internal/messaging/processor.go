package messaging

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/services"
	"example.com/backstage/services/scoring/internal/utils"
)

// Command type definitions
const (
	RegisterAgent   = "RegisterAgent"
	UpdateAgent     = "UpdateAgent"
	RequestScore    = "RequestScore"
	UpdatePriceFeed = "UpdatePriceFeed"
)

// BusMessage is the common command envelope
type BusMessage struct {
	CommandType string          `json:"commandType"`
	Data        json.RawMessage `json:"data"`
}

// RegisterAgentCommand registers a new scoring agent
type RegisterAgentCommand struct {
	AgentID   string `json:"agent_id" validate:"required,agent_id"`
	Name      string `json:"name" validate:"required"`
	ModelHash string `json:"model_hash" validate:"required"`
	JSONCid   string `json:"json_cid"`
	OwnerID   string `json:"owner_id" validate:"required"`
}

// UpdateAgentCommand updates an agent's mutable metadata
type UpdateAgentCommand struct {
	AgentID   string `json:"agent_id" validate:"required,agent_id"`
	Name      string `json:"name"`
	ModelHash string `json:"model_hash"`
	JSONCid   string `json:"json_cid"`
}

// RequestScoreCommand asks for an agent to be scored
type RequestScoreCommand struct {
	AgentID     string `json:"agent_id" validate:"required,agent_id"`
	JobID       string `json:"job_id" validate:"required"`
	RequestedBy string `json:"requested_by" validate:"required"`
}

// UpdatePriceFeedCommand records an oracle price observation
type UpdatePriceFeedCommand struct {
	FeedID   string  `json:"feed_id" validate:"required"`
	Pair     string  `json:"pair" validate:"required,trading_pair"`
	Price    float64 `json:"price" validate:"required,gt=0"`
	Source   string  `json:"source" validate:"required"`
	FeedTime int64   `json:"feed_time"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Processor maps validated incoming commands to domain events and publishes
// them through the event service.
type Processor struct {
	events *services.EventService
}

func NewProcessor(events *services.EventService) *Processor {
	return &Processor{events: events}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg BusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return errors.Wrap(err, "error unmarshalling message")
	}

	log.Info().Str("command_type", msg.CommandType).Msg("Processing command")

	switch msg.CommandType {
	case RegisterAgent:
		var cmd RegisterAgentCommand
		if err := decodeCommand(msg.Data, &cmd); err != nil {
			return err
		}
		return p.handleRegisterAgent(ctx, cmd)

	case UpdateAgent:
		var cmd UpdateAgentCommand
		if err := decodeCommand(msg.Data, &cmd); err != nil {
			return err
		}
		return p.handleUpdateAgent(ctx, cmd)

	case RequestScore:
		var cmd RequestScoreCommand
		if err := decodeCommand(msg.Data, &cmd); err != nil {
			return err
		}
		return p.handleRequestScore(ctx, cmd)

	case UpdatePriceFeed:
		var cmd UpdatePriceFeedCommand
		if err := decodeCommand(msg.Data, &cmd); err != nil {
			return err
		}
		return p.handleUpdatePriceFeed(ctx, cmd)

	default:
		return errors.Errorf("unsupported command type: %s", msg.CommandType)
	}
}

func decodeCommand(data json.RawMessage, cmd interface{}) error {
	if err := json.Unmarshal(data, cmd); err != nil {
		return errors.Wrap(err, "error unmarshalling command")
	}
	if err := utils.ValidateStruct(cmd); err != nil {
		return errors.Wrap(err, "invalid command")
	}
	return nil
}

func (p *Processor) handleRegisterAgent(ctx context.Context, cmd RegisterAgentCommand) error {
	event := domain.NewEvent(cmd.AgentID, domain.AggregateAgent, domain.AgentRegisteredData{
		AgentID:   cmd.AgentID,
		Name:      cmd.Name,
		ModelHash: cmd.ModelHash,
		JSONCid:   cmd.JSONCid,
		OwnerID:   cmd.OwnerID,
	})

	_, err := p.events.PublishEvent(ctx, event)
	return err
}

func (p *Processor) handleUpdateAgent(ctx context.Context, cmd UpdateAgentCommand) error {
	event := domain.NewEvent(cmd.AgentID, domain.AggregateAgent, domain.AgentUpdatedData{
		AgentID:   cmd.AgentID,
		Name:      cmd.Name,
		ModelHash: cmd.ModelHash,
		JSONCid:   cmd.JSONCid,
	})

	_, err := p.events.PublishEvent(ctx, event)
	return err
}

func (p *Processor) handleRequestScore(ctx context.Context, cmd RequestScoreCommand) error {
	event := domain.NewEvent(cmd.AgentID, domain.AggregateAgent, domain.ScoreRequestedData{
		AgentID:     cmd.AgentID,
		JobID:       cmd.JobID,
		RequestedBy: cmd.RequestedBy,
	})

	_, err := p.events.PublishEvent(ctx, event)
	return err
}

func (p *Processor) handleUpdatePriceFeed(ctx context.Context, cmd UpdatePriceFeedCommand) error {
	event := domain.NewEvent(cmd.FeedID, domain.AggregatePriceFeed, domain.PriceFeedUpdatedData{
		FeedID:   cmd.FeedID,
		Pair:     cmd.Pair,
		Price:    cmd.Price,
		Source:   cmd.Source,
		FeedTime: cmd.FeedTime,
	})

	_, err := p.events.PublishEvent(ctx, event)
	return err
}
