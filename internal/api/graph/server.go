package graph

import (
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

const schemaString = `
type Topic {
  id: ID!
  title: String!
  author: String!
  owner: String!
  options: [String!]!
  freeText: Boolean!
  deadline: String
  status: String!
  createdAt: String!
  open: Boolean!
}

type OptionCount {
  option: String!
  count: Int!
}

type Tally {
  topicId: ID!
  freeText: Boolean!
  counts: [OptionCount!]!
  answers: [String!]!
  total: Int!
  summary: String
}

type Vote {
  topicId: ID!
  voter: String!
  choice: String!
  votedAt: String!
}

enum TopicOrder {
  DEADLINE_ASC
  DEADLINE_DESC
  NEWEST
}

input TopicInput {
  title: String!
  author: String
  options: [String!]
  freeText: Boolean
  # RFC3339，或 "2006-01-02 15:04"（按配置时区）
  deadline: String
}

type Query {
  # 当前登录身份
  me: String

  # 议题列表；openOnly 只返回仍可投票的议题
  topics(order: TopicOrder, openOnly: Boolean): [Topic!]!

  topic(id: ID!): Topic!

  # 计票结果；summarize 为 true 时附带摘要
  tally(topicId: ID!, summarize: Boolean): Tally!
}

type Mutation {
  createTopic(input: TopicInput!): Topic!

  # 投票，每个身份每个议题只能投一次
  castVote(topicId: ID!, choice: String!): Vote!

  # 关闭议题，只有创建者可以操作
  closeTopic(topicId: ID!): Topic!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(votingService *service.VotingService, loc *time.Location, logger logrus.FieldLogger, opts ...Option) *GraphQLServer {
	resolver := NewResolver(votingService, loc, logger, opts...)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
		graphql.MaxDepth(8),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
	}
}

// Handler GraphQL API端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

func (s *GraphQLServer) Schema() *graphql.Schema {
	return s.schema
}

// Playground GraphQL Playground 页面
func Playground(endpoint string) http.HandlerFunc {
	page := []byte(playgroundHTML(endpoint))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	}
}

func playgroundHTML(endpoint string) string {
	return `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Team Vote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `',
        settings: { 'request.credentials': 'same-origin' }
      })
    })</script>
</body>
</html>
`
}
