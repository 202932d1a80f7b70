package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/pitabwire/admissions/model"
)

// SNSPublisher is the part of *sns.Client the dispatcher uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSDispatcher publishes events to one topic with message attributes that
// subscribers can filter on.
type SNSDispatcher struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSDispatcher creates an SNSDispatcher.
func NewSNSDispatcher(client SNSPublisher, topicARN string) *SNSDispatcher {
	return &SNSDispatcher{client: client, topicARN: topicARN}
}

// Name returns "sns".
func (d *SNSDispatcher) Name() string { return "sns" }

// Notify publishes ev.
func (d *SNSDispatcher) Notify(ctx context.Context, ev model.TransitionCompleted) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	_, err = d.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(d.topicARN),
		Message:  aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"application_type": stringAttr(ev.ApplicationType),
			"to_stage_id":      stringAttr(ev.ToStageID),
			"trigger_type":     stringAttr(string(ev.TriggerType)),
			"terminal":         stringAttr(strconv.FormatBool(ev.Terminal)),
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s: %w", ev.EventID, err)
	}
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
