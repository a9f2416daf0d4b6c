package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedTopic is one hand-written subtopic.
type SeedTopic struct {
	Topic    string `yaml:"topic"`
	Overview string `yaml:"overview"`
}

// TopicsFile lets a run skip LLM decomposition and start from a fixed topic list.
//
//	question: How do flow batteries compare with lithium-ion for grid storage?
//	primary_topic: Long-duration grid storage economics
//	topics:
//	  - topic: Vanadium redox flow batteries
//	    overview: cost, cycle life, deployments
type TopicsFile struct {
	Question     string      `yaml:"question"`
	PrimaryTopic string      `yaml:"primary_topic"`
	Topics       []SeedTopic `yaml:"topics"`
}

// LoadTopics reads and checks a topics file.
func LoadTopics(path string) (*TopicsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topics file: %w", err)
	}
	return ParseTopics(data)
}

// ParseTopics decodes a topics file. Blank topics are dropped; an empty list is an error.
func ParseTopics(data []byte) (*TopicsFile, error) {
	var tf TopicsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("decode topics file: %w", err)
	}
	kept := tf.Topics[:0]
	for _, t := range tf.Topics {
		t.Topic = strings.TrimSpace(t.Topic)
		t.Overview = strings.TrimSpace(t.Overview)
		if t.Topic == "" {
			continue
		}
		kept = append(kept, t)
	}
	tf.Topics = kept
	if len(tf.Topics) == 0 {
		return nil, fmt.Errorf("topics file lists no topics")
	}
	tf.Question = strings.TrimSpace(tf.Question)
	tf.PrimaryTopic = strings.TrimSpace(tf.PrimaryTopic)
	if tf.PrimaryTopic == "" {
		tf.PrimaryTopic = tf.Question
	}
	return &tf, nil
}
