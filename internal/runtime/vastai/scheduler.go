package vastai

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/rs/zerolog"
)

// TaskScheduler enqueues the periodic instance sweep as a Cloud Tasks HTTP
// task instead of a bare in-process ticker, per CloudTasksConfig's stated
// intent. The caller (cmd/server's sweep loop) re-invokes ScheduleSweep on
// its own interval; Cloud Tasks guarantees delivery and retry of each
// individual sweep call even if the process restarts between them.
type TaskScheduler struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	log       zerolog.Logger
}

func NewTaskScheduler(ctx context.Context, projectID, locationID, queueID, targetURL string, log zerolog.Logger) (*TaskScheduler, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: new client: %w", err)
	}
	return &TaskScheduler{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		log:       log,
	}, nil
}

// ScheduleSweep enqueues one HTTP POST against targetURL, firing after delay.
func (s *TaskScheduler) ScheduleSweep(ctx context.Context, delay time.Duration) error {
	req := &cloudtaskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &cloudtaskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(delay)),
			MessageType: &cloudtaskspb.Task_HttpRequest{
				HttpRequest: &cloudtaskspb.HttpRequest{
					Url:        s.targetURL,
					HttpMethod: cloudtaskspb.HttpMethod_POST,
				},
			},
		},
	}
	if _, err := s.client.CreateTask(ctx, req); err != nil {
		return fmt.Errorf("cloudtasks: enqueue sweep task: %w", err)
	}
	s.log.Debug().Dur("delay", delay).Msg("vastai: sweep task enqueued")
	return nil
}

func (s *TaskScheduler) Close() error { return s.client.Close() }
